package main

import (
	"crypto/subtle"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"findata-gateway/apierror"
	"findata-gateway/dispatch"

	"github.com/rs/zerolog"
)

type backend struct {
	name   string
	secret string
	log    zerolog.Logger
}

type quote struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type apiResponse struct {
	Server   string  `json:"server"`
	Resource string  `json:"resource"`
	Data     []quote `json:"data"`
}

func (b *backend) serveAPI(w http.ResponseWriter, r *http.Request) {
	if b.secret != "" {
		got := r.Header.Get(dispatch.HeaderServiceSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(b.secret)) != 1 {
			b.log.Warn().Str("remote", r.RemoteAddr).Msg("request without valid service secret")
			apierror.Write(w, apierror.ErrNotAuthorized)
			return
		}
	}

	path := r.PathValue("path")
	resource, symbol, _ := strings.Cut(path, "/")
	if symbol == "" {
		symbol = "INDEX"
	}

	resp := apiResponse{
		Server:   b.name,
		Resource: resource,
		Data:     fakeSeries(symbol, 5, time.Now().UTC()),
	}
	b.log.Debug().Str("path", path).Str("request_id", r.Header.Get(dispatch.HeaderRequestID)).Msg("served")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Served-By", b.name)
	_ = json.NewEncoder(w).Encode(resp)
}

// fakeSeries gera n pregões determinísticos por símbolo terminando em until.
func fakeSeries(symbol string, n int, until time.Time) []quote {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	base := 50 + float64(h.Sum32()%400)

	out := make([]quote, 0, n)
	day := until.Truncate(24 * time.Hour)
	for i := n - 1; i >= 0; i-- {
		d := day.AddDate(0, 0, -i)
		step := float64((int(h.Sum32())>>i)%7) - 3
		open := base + step
		out = append(out, quote{
			Symbol: symbol,
			Date:   d.Format("2006-01-02"),
			Open:   open,
			Close:  open + step/2,
			Volume: int64(100000 + (h.Sum32()>>uint(i))%50000),
		})
	}
	return out
}
