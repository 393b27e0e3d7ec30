// Package codec turns journaled raw payloads into structured messages.
package codec

import (
	"fmt"
	"sort"
	"sync"

	"logpipe/pkg/errs"
	"logpipe/pkg/models"
)

// Codec decodes one raw message. A nil message with a nil error means the
// payload carried nothing to index.
type Codec interface {
	Name() string
	Decode(raw *models.RawMessage) (*models.Message, error)
}

// Registry maps codec names to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry holding the built-in codecs.
func NewRegistry(opts Options) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(NewGELF(opts))
	r.Register(Raw{})
	return r
}

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.Name()] = c
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Decode picks the codec named by raw.Codec.
func (r *Registry) Decode(raw *models.RawMessage) (*models.Message, error) {
	c, ok := r.Get(raw.Codec)
	if !ok {
		return nil, errs.Protocol("codec", "decode", fmt.Errorf("unknown codec %q", raw.Codec))
	}
	return c.Decode(raw)
}
