package server

import (
	"encoding/json"
	"errors"
	"net/http"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// Pre-allocated header values and frame fragments for the stream hot path.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuffer  = []string{"no"}

	sseEventPrefix   = []byte("event: ")
	sseDataPrefix    = []byte("data: ")
	sseCommentPrefix = []byte(": ")
	sseLF            = []byte("\n")
	sseFrameEnd      = []byte("\n\n")
	sseDone          = []byte("[DONE]")
)

// sseSink writes server-sent events to the client. Headers go out lazily on
// the first frame so that failures before any byte is written can still fall
// back to a plain JSON error response.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuffer
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseSink) Send(data []byte, event string) error {
	s.start()
	if event != "" {
		if _, err := s.w.Write(sseEventPrefix); err != nil {
			return err
		}
		if _, err := s.w.Write([]byte(event)); err != nil {
			return err
		}
		if _, err := s.w.Write(sseLF); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write(sseFrameEnd); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Comment(text string) error {
	s.start()
	if _, err := s.w.Write(sseCommentPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte(text)); err != nil {
		return err
	}
	if _, err := s.w.Write(sseFrameEnd); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendError emits the terminal error frame followed by the done sentinel.
// Used only after the stream has already started.
func (s *sseSink) sendError(err error) {
	data, jerr := json.Marshal(streamErrorEnvelope(err))
	if jerr != nil {
		return
	}
	if serr := s.Send(data, "error"); serr != nil {
		return
	}
	_ = s.Send(sseDone, "done")
}

func streamErrorEnvelope(err error) apiError {
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		status := http.StatusBadGateway
		switch reqErr.Kind {
		case gateway.KindTimeout:
			status = http.StatusGatewayTimeout
		case gateway.KindCanceled, gateway.KindValidation:
			status = http.StatusBadRequest
		case gateway.KindQuota:
			status = http.StatusPaymentRequired
		case gateway.KindAuth:
			status = http.StatusUnauthorized
		case gateway.KindClientErr:
			if reqErr.StatusCode != 0 {
				status = reqErr.StatusCode
			}
		case gateway.KindInternal:
			status = http.StatusInternalServerError
		}
		env := errorEnvelope(reqErr.Message, reqErr.Code, status)
		if reqErr.Kind == gateway.KindClientErr {
			env.Error.ResponseText = reqErr.Body
		}
		return env
	}
	status, code := sentinelStatus(err)
	return errorEnvelope(err.Error(), code, status)
}
