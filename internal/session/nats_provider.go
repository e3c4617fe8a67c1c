package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// wireRequest is the payload published to the assistant's request subject.
type wireRequest struct {
	Prompt           string `json:"prompt"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	ResumeSessionID  string `json:"resume_session_id,omitempty"`
	ReplySubject     string `json:"reply_subject"`
}

// wireChunk is one frame published back on ReplySubject.
type wireChunk struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NATSProvider streams assistant replies over a NATS subject: one
// request is published with a unique per-call reply subject, and chunks
// arrive as JSON frames on that subject until a frame with Done=true (or
// an Error) closes the stream.
type NATSProvider struct {
	conn           *nats.Conn
	requestSubject string
}

// NewNATSProvider builds a Provider that publishes requests to
// requestSubject on conn.
func NewNATSProvider(conn *nats.Conn, requestSubject string) *NATSProvider {
	return &NATSProvider{conn: conn, requestSubject: requestSubject}
}

// Stream implements Provider.
func (p *NATSProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	replySubject := p.requestSubject + ".reply." + uuid.NewString()

	sub, err := subscribeChunks(p.conn, replySubject, chunks, errs)
	if err != nil {
		errs <- err
		close(chunks)
		return chunks, errs
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	payload, err := json.Marshal(wireRequest{
		Prompt:           req.Prompt,
		SystemPrompt:     req.SystemPrompt,
		WorkingDirectory: req.WorkingDirectory,
		ResumeSessionID:  req.ResumeSessionID,
		ReplySubject:     replySubject,
	})
	if err != nil {
		errs <- err
		return chunks, errs
	}

	if err := publishTraced(ctx, p.conn, p.requestSubject, payload); err != nil {
		errs <- err
	}

	return chunks, errs
}

func subscribeChunks(nc *nats.Conn, subject string, chunks chan<- Chunk, errs chan<- error) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("prompter")
		_, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var wc wireChunk
		if err := json.Unmarshal(m.Data, &wc); err != nil {
			errs <- err
			return
		}
		if wc.Error != "" {
			errs <- errorFromWire(wc.Error)
			return
		}
		chunks <- Chunk{Text: wc.Text, SessionID: wc.SessionID, Done: wc.Done}
		if wc.Done {
			close(chunks)
		}
	})
}

// publishTraced injects the trace context into NATS headers before
// publishing, mirroring the propagation pattern used elsewhere in this
// module's messaging paths.
func publishTraced(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

type wireError string

func (e wireError) Error() string { return string(e) }

func errorFromWire(msg string) error { return wireError(msg) }
