// Package dispatch encaminha requisições já admitidas para os backends de cálculo.
//
// A escolha é round-robin puro, sem noção de saúde: um backend fora do ar volta a ser
// tentado na sua próxima vez. Falhas de rede viram apierror.ErrUpstream; não há retry
// dentro da mesma requisição.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"findata-gateway/apierror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderServiceSecret = "X-Service-Secret"
	HeaderProxySecret   = "X-Proxy-Secret"
	HeaderRequestID     = "X-Request-Id"
)

// hop-by-hop: não atravessam o proxy em nenhum sentido
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Executor é o mínimo de um circuit breaker (ver pacote breaker).
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type Request struct {
	Method string
	// Path é o path recebido pelo gateway (ex.: /api/v1/eod/AAPL.US), repassado ao backend.
	Path string
	// EscapedPath e RawQuery, quando presentes, são repassados byte a byte; senão
	// o path é escapado de Path e a query codificada de Query.
	EscapedPath string
	RawQuery    string
	Query       url.Values
	Header      http.Header
	Body        []byte
}

type Response struct {
	Backend string
	Status  int
	Header  http.Header
	Body    []byte
}

type Dispatcher struct {
	backends []*url.URL
	cursor   atomic.Uint64

	client        *http.Client
	timeout       time.Duration
	serviceSecret string
	proxySecret   string
	guard         Executor
	log           zerolog.Logger
}

type Option func(*Dispatcher)

func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithTimeout limita cada chamada ao backend, leitura do corpo incluída.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithSecrets define os headers fixos de autenticação serviço-a-serviço.
func WithSecrets(service, proxy string) Option {
	return func(d *Dispatcher) {
		d.serviceSecret = service
		d.proxySecret = proxy
	}
}

// WithBreaker protege o pool de backends. Só falhas de transporte e timeouts contam;
// qualquer status HTTP do backend é uma resposta válida.
func WithBreaker(e Executor) Option {
	return func(d *Dispatcher) { d.guard = e }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func New(backendURLs []string, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		client:  &http.Client{},
		timeout: 30 * time.Second,
		log:     zerolog.Nop(),
	}
	for _, raw := range backendURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("backend %q: scheme and host are required", raw)
		}
		d.backends = append(d.backends, u)
	}
	if len(d.backends) == 0 {
		return nil, errors.New("dispatch: at least one backend url is required")
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dispatcher) Backends() []string {
	out := make([]string, len(d.backends))
	for i, u := range d.backends {
		out[i] = u.String()
	}
	return out
}

// Next devolve o backend da vez e avança o cursor.
func (d *Dispatcher) Next() *url.URL {
	i := d.cursor.Add(1) - 1
	return d.backends[i%uint64(len(d.backends))]
}

// Route envia a requisição ao próximo backend e devolve status, headers e corpo do upstream.
//
// Erros: apierror.ErrUpstream em falha de rede/timeout; apierror.ErrServiceUnavailable
// quando o breaker do pool está desarmado.
func (d *Dispatcher) Route(ctx context.Context, req Request) (*Response, error) {
	backend := d.Next()

	if d.guard == nil {
		return d.do(ctx, backend, req)
	}

	var (
		resp        *Response
		upstreamErr error
	)
	err := d.guard.Execute(ctx, func(ctx context.Context) error {
		resp, upstreamErr = d.do(ctx, backend, req)
		return upstreamErr
	})
	if upstreamErr != nil {
		return nil, upstreamErr
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) do(ctx context.Context, backend *url.URL, req Request) (*Response, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	target, err := targetURL(backend, req)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.NewString())
	}
	// o cliente nunca escolhe os segredos que chegam ao backend
	out.Header.Del(HeaderServiceSecret)
	out.Header.Del(HeaderProxySecret)
	if d.serviceSecret != "" {
		out.Header.Set(HeaderServiceSecret, d.serviceSecret)
	}
	if d.proxySecret != "" {
		out.Header.Set(HeaderProxySecret, d.proxySecret)
	}

	lg := d.log.With().
		Str("backend", backend.Host).
		Str("request_id", out.Header.Get(HeaderRequestID)).
		Logger()

	start := time.Now()
	resp, err := d.client.Do(out)
	if err != nil {
		lg.Warn().Err(err).Msg("upstream call failed")
		return nil, fmt.Errorf("%s %s via %s: %w: %w", method, req.Path, backend.Host, apierror.ErrUpstream, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		lg.Warn().Err(err).Int("status", resp.StatusCode).Msg("upstream body read failed")
		return nil, fmt.Errorf("read body from %s: %w: %w", backend.Host, apierror.ErrUpstream, err)
	}

	lg.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("upstream responded")

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &Response{
		Backend: backend.String(),
		Status:  resp.StatusCode,
		Header:  header,
		Body:    payload,
	}, nil
}

func removeHopHeaders(h http.Header) {
	for _, c := range h.Values("Connection") {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func targetURL(backend *url.URL, req Request) (url.URL, error) {
	escaped := req.EscapedPath
	if escaped == "" {
		escaped = (&url.URL{Path: req.Path}).EscapedPath()
	}
	joined := strings.TrimSuffix(backend.EscapedPath(), "/") + "/" + strings.TrimPrefix(escaped, "/")
	path, err := url.PathUnescape(joined)
	if err != nil {
		return url.URL{}, err
	}

	target := *backend
	target.Path = path
	target.RawPath = joined
	target.RawQuery = req.RawQuery
	if target.RawQuery == "" && len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}
	return target, nil
}
