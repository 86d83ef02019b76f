package main

import (
	"html/template"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/cryguy/workerdev"
)

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Worker error</title></head>
<body>
<h1>{{.Status}}</h1>
<pre>{{.Message}}</pre>
{{.Script}}
</body>
</html>
`))

// errorPage renders handler failures as HTML. The client script tag is kept
// so the page reloads once the module is fixed.
func errorPage(log logrus.FieldLogger, scriptTag string, withScript bool) workerdev.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("worker request failed")

		var script template.HTML
		if withScript {
			script = template.HTML(scriptTag)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusInternalServerError)
		_ = errorTemplate.Execute(w, struct {
			Status  string
			Message string
			Script  template.HTML
		}{http.StatusText(http.StatusInternalServerError), err.Error(), script})
	}
}
