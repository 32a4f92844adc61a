// roomd runs the reference room-coordination server.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/server"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	redisAddr := flag.String("redis", "", "redis address for cross-node fan-out (optional)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	settings := server.DefaultSettings()
	if secret := os.Getenv("ROOMD_JWT_SECRET"); secret != "" {
		settings.JWTSecret = []byte(secret)
	} else {
		logger.Warn("ROOMD_JWT_SECRET not set; running unauthenticated")
	}

	hub := server.NewHub(settings, logger)
	defer hub.Close()

	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		bridge, err := server.NewRedisBridge(client, hub, logger)
		if err != nil {
			logger.Fatal("Failed to start redis bridge", zap.Error(err))
		}
		hub.SetBridge(bridge)
		logger.Info("Redis bridge enabled", zap.String("redis_addr", *redisAddr))
	}

	handler := server.NewHandler(hub, logger)
	logger.Info("Listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, handler.Router()); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}
