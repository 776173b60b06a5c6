package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"datamesh-network/keyserver/config"
	"datamesh-network/keyserver/controllers"
	"datamesh-network/keyserver/routes"
	"datamesh-network/keyserver/services"
)

func main() {
	config.Load()
	svc := services.NewService()
	ctrl := controllers.NewKeyController(svc)

	r := mux.NewRouter()
	routes.Register(r, ctrl)

	logrus.Infof("key server listening on %s", config.AppConfig.Port)
	if err := http.ListenAndServe(":"+config.AppConfig.Port, r); err != nil {
		logrus.Fatal(err)
	}
}
