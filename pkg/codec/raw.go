package codec

import (
	"strings"

	"logpipe/pkg/models"
)

// Raw indexes the payload text as-is, with the remote address as source.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Decode(raw *models.RawMessage) (*models.Message, error) {
	text := strings.TrimSpace(string(raw.Payload))
	if text == "" {
		return nil, nil
	}
	return models.NewMessage(text, raw.RemoteIP, raw.ReceivedAt), nil
}
