package authz

import (
	"sort"
	"strings"
)

// DefaultResources é a tabela reversa padrão: prefixo de path -> identificador de recurso.
var DefaultResources = map[string]string{
	"eod":                  "eod.all",
	"eod-bulk-last-day":    "eod.bulk",
	"intraday":             "intraday.all",
	"real-time":            "realtime.all",
	"fundamentals":         "fundamentals.all",
	"bulk-fundamentals":    "fundamentals.bulk",
	"div":                  "dividends.all",
	"splits":               "splits.all",
	"calendar/earnings":    "calendar.earnings",
	"calendar/ipos":        "calendar.ipos",
	"calendar/splits":      "calendar.splits",
	"technical":            "technical.all",
	"news":                 "news.all",
	"sentiments":           "news.sentiment",
	"options":              "options.all",
	"exchanges-list":       "exchanges.list",
	"exchange-symbol-list": "exchanges.symbols",
	"exchange-details":     "exchanges.details",
	"search":               "search.all",
	"macro-indicator":      "macro.all",
	"economic-events":      "macro.events",
	"insider-transactions": "insider.all",
	"user":                 "user.info",
}

// DefaultAllowList: recursos liberados para qualquer assinatura ativa, ainda não
// catalogados por plano.
var DefaultAllowList = []string{"user.info", "exchanges.list", "search.all"}

// ResourceTable resolve um path para o identificador canônico pelo prefixo mais longo.
type ResourceTable struct {
	prefixes []string
	byPrefix map[string]string
}

func NewResourceTable(m map[string]string) *ResourceTable {
	t := &ResourceTable{byPrefix: make(map[string]string, len(m))}
	for p, id := range m {
		p = strings.Trim(strings.ToLower(p), "/")
		if p == "" || id == "" {
			continue
		}
		t.byPrefix[p] = strings.ToLower(id)
		t.prefixes = append(t.prefixes, p)
	}
	// mais longo primeiro: "calendar/earnings" antes de "calendar"
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t
}

// Resolve aceita "eod/AAPL.US", "/api/v1/eod/AAPL.US" ou "eod".
func (t *ResourceTable) Resolve(path string) (string, bool) {
	p := strings.ToLower(strings.Trim(path, "/"))
	p = strings.TrimPrefix(p, "api/v1/")
	for _, prefix := range t.prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return t.byPrefix[prefix], true
		}
	}
	return "", false
}

// Label é Resolve com "unknown" para paths sem recurso. Rótulo de baixa cardinalidade
// para estatísticas e métricas.
func (t *ResourceTable) Label(path string) string {
	if id, ok := t.Resolve(path); ok {
		return id
	}
	return "unknown"
}
