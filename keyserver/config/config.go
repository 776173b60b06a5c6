package config

import (
	"os"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port string
}

var AppConfig ServerConfig

func Load() {
	_ = godotenv.Load("keyserver/.env")
	port := os.Getenv("KEYSERVER_PORT")
	if port == "" {
		port = "8082"
	}
	AppConfig = ServerConfig{Port: port}
}
