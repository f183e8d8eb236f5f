// Package transcript persists finished call conversations to disk.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxline-ai/phone-agent/pkg/session"
)

// Writer saves one text file per call under Dir, named
// call_<yyyymmdd_hhmmss>_<sid8>.txt.
type Writer struct {
	Dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir}
}

// Save renders and writes the call transcript. Empty conversations are
// skipped by the caller; Save itself writes whatever it is given.
func (w *Writer) Save(meta session.CallMetadata, conv *session.Conversation) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}

	sid := meta.CallSid
	if len(sid) > 8 {
		sid = sid[:8]
	}
	filename := fmt.Sprintf("call_%s_%s.txt", meta.StartTime.Format("20060102_150405"), sid)

	content := fmt.Sprintf(
		"Call Transcript\n"+
			"===============\n"+
			"Time: %s\n"+
			"Caller: %s\n"+
			"Call SID: %s\n"+
			"\n"+
			"Conversation:\n"+
			"-------------\n"+
			"%s\n",
		meta.StartTime.Format("2006-01-02T15:04:05"),
		meta.Caller,
		meta.CallSid,
		conv.Transcript(),
	)

	path := filepath.Join(w.Dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}
