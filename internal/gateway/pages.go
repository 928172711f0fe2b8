package gateway

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/humanify/server/internal/assets"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("pages").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	ParseFS(templateFS, "templates/*.html"))

type page struct {
	Title     string
	Error     string
	ReturnURL string
	Token     string
	Subject   string
	Preview   template.URL
	Images    []template.URL
	Audio     template.URL
}

// dataURL marks an asset as safe for a src attribute. Assets only ever
// come from the provider, never from the request.
func dataURL(a *assets.Asset) template.URL {
	if a == nil {
		return ""
	}
	return template.URL(a.DataURL())
}

func (s *Server) render(w http.ResponseWriter, status int, name string, p page) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, p); err != nil {
		s.logger.Error("gateway: render page", "page", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "same-origin")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
