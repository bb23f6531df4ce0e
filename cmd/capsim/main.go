/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/log"
	controllerruntimezap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/awslabs/capsim/pkg/operator"
	"github.com/awslabs/capsim/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()

	logger := controllerruntimezap.NewRaw(controllerruntimezap.UseDevMode(opts.Verbose))
	log.SetLogger(zapr.NewLogger(logger))
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = options.ToContext(ctx, opts)

	op := operator.NewOperator(ctx)
	server := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           op.Gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.FromContext(ctx).Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.FromContext(ctx).Error(err, "shutting down http server")
		}
	}()

	log.FromContext(ctx).Info("capacity simulator listening", "addr", opts.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.FromContext(ctx).Error(err, "http server failed")
		os.Exit(1)
	}
	<-shutdownDone
	log.FromContext(ctx).Info("capacity simulator stopped")
}
