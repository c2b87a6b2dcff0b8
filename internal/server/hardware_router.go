package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var errMissingHardwareHandler = errors.New("hardware websocket handler required")

// NewHardwareHTTPHandler exposes the controller websocket on "/" and "/ws".
func NewHardwareHTTPHandler(websocketHandler http.Handler) (http.Handler, error) {
	if websocketHandler == nil {
		return nil, errMissingHardwareHandler
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", gin.WrapH(websocketHandler))
	router.GET("/ws", gin.WrapH(websocketHandler))
	return router, nil
}
