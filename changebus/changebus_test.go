package changebus_test

import (
	"sync"
	"time"

	"github.com/onsi/ginkgo"
	"github.com/onsi/gomega"

	"github.com/dcmstore/dcmstore/changebus"
	"github.com/dcmstore/dcmstore/index"
)

type recordingListener struct {
	mu   sync.Mutex
	seen []index.ChangeEvent
}

func (r *recordingListener) OnChange(ev index.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
}

func (r *recordingListener) events() []index.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]index.ChangeEvent, len(r.seen))
	copy(out, r.seen)
	return out
}

type panickyListener struct{}

func (panickyListener) OnChange(index.ChangeEvent) { panic("boom") }

var _ = ginkgo.Describe("Bus", func() {
	var bus *changebus.Bus

	ginkgo.AfterEach(func() {
		if bus != nil {
			bus.Close()
		}
	})

	ginkgo.It("delivers published events to a registered listener", func() {
		bus = changebus.New(16)
		l := &recordingListener{}
		bus.Register("test", l)

		bus.Publish(index.ChangeEvent{Seq: 1, ChangeType: index.ChangeNewInstance, PublicID: "abc"})

		gomega.Eventually(func() int { return len(l.events()) }, time.Second, 5*time.Millisecond).Should(gomega.Equal(1))
		gomega.Expect(l.events()[0].PublicID).To(gomega.Equal("abc"))
	})

	ginkgo.It("isolates a panicking listener from the rest", func() {
		bus = changebus.New(16)
		bus.Register("panicky", panickyListener{})
		l := &recordingListener{}
		bus.Register("good", l)

		bus.Publish(index.ChangeEvent{Seq: 1, ChangeType: index.ChangeNewInstance, PublicID: "x"})
		bus.Publish(index.ChangeEvent{Seq: 2, ChangeType: index.ChangeNewInstance, PublicID: "y"})

		gomega.Eventually(func() int { return len(l.events()) }, time.Second, 5*time.Millisecond).Should(gomega.Equal(2))
	})

	ginkgo.It("drains the queue on Close instead of dropping pending events", func() {
		bus = changebus.New(16)
		l := &recordingListener{}
		bus.Register("test", l)

		for i := 0; i < 5; i++ {
			bus.Publish(index.ChangeEvent{Seq: int64(i), ChangeType: index.ChangeNewInstance})
		}
		bus.Close()
		gomega.Expect(len(l.events())).To(gomega.Equal(5))
		bus = nil
	})

	ginkgo.It("replacing a listener under the same name delivers once", func() {
		bus = changebus.New(16)
		first := &recordingListener{}
		second := &recordingListener{}
		bus.Register("dup", first)
		bus.Register("dup", second)

		bus.Publish(index.ChangeEvent{Seq: 1, ChangeType: index.ChangeNewInstance})
		gomega.Eventually(func() int { return len(second.events()) }, time.Second, 5*time.Millisecond).Should(gomega.Equal(1))
		gomega.Consistently(func() int { return len(first.events()) }, 50*time.Millisecond).Should(gomega.Equal(0))
	})
})
