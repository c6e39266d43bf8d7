package dispatch

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"findata-gateway/apierror"
)

// maxBodyBytes limita o corpo lido do cliente antes do repasse; acima disso 413.
const maxBodyBytes = 10 << 20

// ServeHTTP repassa a requisição e devolve a resposta do backend sem alterações.
// Deve ficar depois de todas as etapas de admissão.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				apierror.WriteDetail(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
				return
			}
			apierror.WriteDetail(w, http.StatusBadRequest, "Bad Request")
			return
		}
	}

	resp, err := d.Route(r.Context(), Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		EscapedPath: r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		Header:      r.Header,
		Body:        body,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}

	dst := w.Header()
	for k, vs := range resp.Header {
		dst[k] = append([]string(nil), vs...)
	}
	dst.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
