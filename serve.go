package main

import (
	"context"
	"errors"
	"net/http"
	"time"
)

func runServe(ctx context.Context) error {
	e, err := NewEngine(ctx, EngineHooks{})
	if err != nil {
		return err
	}
	SafeExitInst.Register(e.Close)

	s, err := e.Server()
	if err != nil {
		return err
	}
	if err := e.Manager.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: conf.Server.Addr, Handler: s.Handler()}
	stopped := make(chan struct{})
	SafeExitInst.Register(func() {
		defer close(stopped)
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			log.WithError(err).Error("http shutdown")
		}
	})
	log.Infof("%s %s listening on %s", conf.App.Title, conf.App.Version, conf.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
