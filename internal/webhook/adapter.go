// Package webhook turns gateway payment callbacks into domain.PaymentEvent
// values and answers each gateway with the acknowledgement it expects.
package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// ErrOrderMismatch rejects a callback whose signed identifiers point at
// different orders.
var ErrOrderMismatch = errors.New("payment does not match order")

// Request is a raw callback as received.
type Request struct {
	Header http.Header
	Body   []byte
	Form   url.Values
}

// Response is the exact reply a gateway treats as "delivered".
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type Adapter interface {
	Name() string
	// Verify checks the signature and normalizes the payload.
	Verify(req *Request) (domain.PaymentEvent, error)
	Ack() Response
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// NewDefaultRegistry registers every supported gateway that has a secret.
func NewDefaultRegistry(secrets map[string]string) *Registry {
	var adapters []Adapter
	if s := secrets[CryptoBotName]; s != "" {
		adapters = append(adapters, NewCryptoBot(s))
	}
	if s := secrets[FreeKassaName]; s != "" {
		adapters = append(adapters, NewFreeKassa(s))
	}
	if s := secrets[RuKassaName]; s != "" {
		adapters = append(adapters, NewRuKassa(s))
	}
	if s := secrets[CrystalPayName]; s != "" {
		adapters = append(adapters, NewCrystalPay(s))
	}
	return NewRegistry(adapters...)
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("gateway %q: %w", name, domain.ErrUnknownGateway)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func jsonOK() Response {
	return Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
}

func plainText(body string) Response {
	return Response{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}
