package i18n

import "net/http"

// Middleware injects a localizer into every request context. A "lang" query
// parameter wins over the Accept-Language header; lang is the fallback.
func Middleware(lang string) func(http.Handler) http.Handler {
	fallback := NewLocalizer(lang)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := fallback
			q, accept := r.URL.Query().Get("lang"), r.Header.Get("Accept-Language")
			if q != "" || accept != "" {
				loc = NewLocalizer(q, accept, lang)
			}
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}
