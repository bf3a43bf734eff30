package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// Latest serial probe, never blocks
	// (GET /+changelog/nop)
	GetLatestSerial(w http.ResponseWriter, r *http.Request)
	// Changelog entry by serial, long-polls for future serials
	// (GET /+changelog/{serial})
	GetChangelogEntry(w http.ResponseWriter, r *http.Request, serial int64)
	// Mirror project→serial snapshot
	// (GET /root/pypi/+name2serials)
	GetName2Serials(w http.ResponseWriter, r *http.Request)
	// (GET /+keys/{kind}/{name})
	GetKey(w http.ResponseWriter, r *http.Request, kind string, name string)
	// (PUT /+keys/{kind}/{name})
	PutKey(w http.ResponseWriter, r *http.Request, kind string, name string)
	// (DELETE /+keys/{kind}/{name})
	DeleteKey(w http.ResponseWriter, r *http.Request, kind string, name string)
}

// ServerInterfaceWrapper converts path parameters before calling the handler.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

type MiddlewareFunc func(http.Handler) http.Handler

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, h http.Handler) {
	for _, middleware := range siw.HandlerMiddlewares {
		h = middleware(h)
	}
	h.ServeHTTP(w, r)
}

func (siw *ServerInterfaceWrapper) GetLatestSerial(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, http.HandlerFunc(siw.Handler.GetLatestSerial))
}

func (siw *ServerInterfaceWrapper) GetChangelogEntry(w http.ResponseWriter, r *http.Request) {
	var serial int64
	err := runtime.BindStyledParameterWithLocation("simple", false, "serial", runtime.ParamLocationPath, chi.URLParam(r, "serial"), &serial)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "serial", Err: err})
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetChangelogEntry(w, r, serial)
	}))
}

func (siw *ServerInterfaceWrapper) GetName2Serials(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, http.HandlerFunc(siw.Handler.GetName2Serials))
}

func (siw *ServerInterfaceWrapper) bindKey(w http.ResponseWriter, r *http.Request) (kind, name string, ok bool) {
	if err := runtime.BindStyledParameterWithLocation("simple", false, "kind", runtime.ParamLocationPath, chi.URLParam(r, "kind"), &kind); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "kind", Err: err})
		return "", "", false
	}
	if err := runtime.BindStyledParameterWithLocation("simple", false, "name", runtime.ParamLocationPath, chi.URLParam(r, "name"), &name); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "name", Err: err})
		return "", "", false
	}
	return kind, name, true
}

func (siw *ServerInterfaceWrapper) GetKey(w http.ResponseWriter, r *http.Request) {
	kind, name, ok := siw.bindKey(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetKey(w, r, kind, name)
	}))
}

func (siw *ServerInterfaceWrapper) PutKey(w http.ResponseWriter, r *http.Request) {
	kind, name, ok := siw.bindKey(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.PutKey(w, r, kind, name)
	}))
}

func (siw *ServerInterfaceWrapper) DeleteKey(w http.ResponseWriter, r *http.Request) {
	kind, name, ok := siw.bindKey(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.DeleteKey(w, r, kind, name)
	}))
}

type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerWithOptions creates http.Handler with additional options
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter

	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/+changelog/nop", wrapper.GetLatestSerial)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/+changelog/{serial}", wrapper.GetChangelogEntry)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/root/pypi/+name2serials", wrapper.GetName2Serials)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/+keys/{kind}/{name}", wrapper.GetKey)
	})
	r.Group(func(r chi.Router) {
		r.Put(options.BaseURL+"/+keys/{kind}/{name}", wrapper.PutKey)
	})
	r.Group(func(r chi.Router) {
		r.Delete(options.BaseURL+"/+keys/{kind}/{name}", wrapper.DeleteKey)
	})

	return r
}
