package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/ent0n29/storyvoice/internal/audit"
)

// handleDownloadLog streams the session's audit entries as JSON lines.
func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	entries, err := sess.Audit.Entries(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit_read_failed", err.Error())
		return
	}

	var buf bytes.Buffer
	if err := audit.WriteJSONL(&buf, entries); err != nil {
		respondError(w, http.StatusInternalServerError, "audit_encode_failed", err.Error())
		return
	}
	name := audit.FileName(sess.Audit.Context(), time.Now())
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
