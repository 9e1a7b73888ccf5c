package main

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// demo_backend is a minimal backend meant to run under warden. It binds to
// the address handed down through WARDEN_BACKEND_HOST / WARDEN_BACKEND_PORT,
// answers the readiness probe on "/", and serves a websocket echo on /ws so
// upgrade tunneling can be tried end to end.
//
// Point a warden.toml at it with:
//
//	[backend]
//	command = "go"
//	args = ["run", "./example/demo_backend"]
//	port = 9181
func main() {
	host := os.Getenv("WARDEN_BACKEND_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("WARDEN_BACKEND_PORT")
	if port == "" {
		port = "9181"
	}
	token := os.Getenv("WARDEN_BACKEND_TOKEN")

	e := echo.New()
	e.HideBanner = true

	// Readiness: warden probes "/" by default.
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "demo backend up\n")
	})
	e.GET("/info", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"addr":      host + ":" + port,
			"pid":       os.Getpid(),
			"has_token": token != "",
		})
	})

	upgrader := websocket.Upgrader{}
	e.GET("/ws", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return nil
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return nil
			}
		}
	})

	addr := host + ":" + port
	log.Println("demo backend listening on", addr, "token set:", token != "")
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
