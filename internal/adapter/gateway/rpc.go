package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"chatrelay/internal/domain"
)

type filePayload struct {
	Name string `json:"name"`
	Data string `json:"data,omitempty"` // base64
	URL  string `json:"url,omitempty"`
}

type submitPayload struct {
	Text  string        `json:"text"`
	Files []filePayload `json:"files,omitempty"`
}

type idPayload struct {
	ID string `json:"id"`
}

type textPayload struct {
	Text string `json:"text"`
}

type modelPayload struct {
	Model string `json:"model"`
}

func registerChatHandlers(s *Server) {
	s.RegisterStagedHandler("chat.submit", chatSubmitHandler)
	s.RegisterHandler("chat.retry", chatRetryHandler)
	s.RegisterHandler("chat.edit", chatEditHandler)
	s.RegisterHandler("chat.cancel_edit", chatCancelEditHandler)
	s.RegisterHandler("chat.save_edit", chatSaveEditHandler)
	s.RegisterHandler("chat.stop", chatStopHandler)
	s.RegisterHandler("chat.new", chatNewHandler)
	s.RegisterHandler("chat.model", chatModelHandler)
	s.RegisterHandler("chat.transcript", chatTranscriptHandler)
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrRPCInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}

func snapshotOf(client *ClientInfo) (json.RawMessage, error) {
	return json.Marshal(client.Turn.Snapshot())
}

// chatSubmitHandler places the message on the dispatch loop; attachment
// normalization and the response follow asynchronously.
func chatSubmitHandler(ctx context.Context, client *ClientInfo, payload json.RawMessage) (func() (json.RawMessage, error), error) {
	var p submitPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	uploads := make([]domain.Upload, 0, len(p.Files))
	for _, f := range p.Files {
		up := domain.Upload{Name: f.Name, URL: f.URL}
		if f.Data != "" {
			data, err := base64.StdEncoding.DecodeString(f.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: file %q is not base64", domain.ErrRPCInvalidPayload, f.Name)
			}
			up.Data = data
		}
		uploads = append(uploads, up)
	}
	finish, err := client.Turn.BeginSubmit(ctx, p.Text, uploads)
	if err != nil {
		return nil, err
	}
	return func() (json.RawMessage, error) {
		if err := finish(); err != nil {
			return nil, err
		}
		return snapshotOf(client)
	}, nil
}

func chatRetryHandler(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var p idPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := client.Turn.Retry(ctx, p.ID); err != nil {
		return nil, err
	}
	return snapshotOf(client)
}

func chatEditHandler(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var p idPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := client.Turn.Edit(p.ID); err != nil {
		return nil, err
	}
	return snapshotOf(client)
}

func chatCancelEditHandler(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	client.Turn.CancelEdit()
	return snapshotOf(client)
}

func chatSaveEditHandler(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var p textPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := client.Turn.SaveEdit(ctx, p.Text); err != nil {
		return nil, err
	}
	return snapshotOf(client)
}

func chatStopHandler(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	client.Turn.Stop()
	return snapshotOf(client)
}

func chatNewHandler(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	client.Turn.NewChat()
	return snapshotOf(client)
}

func chatModelHandler(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var p modelPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := client.Turn.SetModel(p.Model); err != nil {
		return nil, err
	}
	return snapshotOf(client)
}

func chatTranscriptHandler(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	return snapshotOf(client)
}
