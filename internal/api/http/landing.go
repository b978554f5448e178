package http

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/api/ws"
)

var landingPage = template.Must(template.New("landing").Parse(`<html>
  <head>
    <title>Night Hosting API</title>
    <style>
      body {
        background-color: #0d0d0d;
        color: #00ffcc;
        font-family: monospace;
        display: flex;
        align-items: center;
        justify-content: center;
        height: 100vh;
        margin: 0;
        flex-direction: column;
        text-align: center;
      }
      h1 { font-size: 2em; margin-bottom: 10px; }
      p { color: #888; font-size: 1em; }
      .pulse { animation: pulse 1.5s infinite; }
      @keyframes pulse {
        0% { opacity: 1; }
        50% { opacity: 0.4; }
        100% { opacity: 1; }
      }
    </style>
  </head>
  <body>
    <h1 class="pulse">🚀 Night Hosting API Online</h1>
    <p>Server active and listening on port {{.Port}}</p>
    <p>Endpoints available under <b>/api/</b></p>
  </body>
</html>
`))

// Root serves the landing page. WebSocket clients that connect to the bare
// host are handed to the stream handler.
func (h *Handlers) Root(c *gin.Context) {
	if h.stream != nil && ws.IsUpgrade(c) {
		h.stream(c)
		return
	}

	var buf bytes.Buffer
	if err := landingPage.Execute(&buf, struct{ Port string }{h.port}); err != nil {
		h.logger.Error("Failed to render landing page", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
