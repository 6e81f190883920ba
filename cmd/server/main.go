package main

import (
	"fmt"
	"net/http"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/server"
	"github.com/dreammarket/go-dreammarket/service/logger"
	sentryutil "github.com/dreammarket/go-dreammarket/service/sentry"
)

func main() {
	defer sentryutil.RecoverAndRaise(nil)

	server.Init()
	addr := fmt.Sprintf(":%d", env.GetInt("PORT"))
	logger.For(nil).Infof("listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.For(nil).WithError(err).Fatal("server stopped")
	}
}
