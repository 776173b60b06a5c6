package routes

import (
	"github.com/gorilla/mux"

	"datamesh-network/keyserver/controllers"
	"datamesh-network/keyserver/middleware"
)

func Register(r *mux.Router, kc *controllers.KeyController) {
	r.Use(middleware.Logger)
	r.HandleFunc("/api/keys/create", kc.Create).Methods("GET")
	r.HandleFunc("/api/keys/import", kc.Import).Methods("POST")
	r.HandleFunc("/api/keys/sign", kc.Sign).Methods("POST")
	r.HandleFunc("/api/keys/verify", kc.Verify).Methods("POST")
	r.HandleFunc("/api/models/inspect", kc.Inspect).Methods("POST")
}
