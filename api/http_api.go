package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// HttpApi hosts a read-only monitor surface over some owner REF.
type HttpApi[REF any] struct {
	Address string
	Port    string
	Ref     *REF
	Router  *mux.Router
}

func PrintEndpoints(r *mux.Router) {
	r.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		methods, err := route.GetMethods()
		if err != nil {
			return err
		}
		log.Printf("%v %s\n", methods, path)
		return nil
	})
}

type StandardResponse[R any] struct {
	HttpStatusCode int
	ErrorMsg       string
	Response       R
}

// WriteJSON wraps a payload in the standard envelope.
func WriteJSON[R any](w http.ResponseWriter, code int, payload R) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(StandardResponse[R]{
		HttpStatusCode: code,
		Response:       payload,
	})
}

// WriteError wraps an error message in the standard envelope.
func WriteError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(StandardResponse[any]{
		HttpStatusCode: code,
		ErrorMsg:       msg,
	})
}
