package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/version"
	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type apiServer struct {
	ctx  context.Context
	log  *logrus.Entry
	port int
}

func NewAPIServer(ctx context.Context, log *logrus.Entry, port int) *apiServer {
	return &apiServer{
		ctx:  ctx,
		log:  log,
		port: port,
	}
}

func (a *apiServer) Start(h *Handler, adminTokenHash string) error {
	logrus.Infof("Version: %s", version.Get())

	router := mux.NewRouter().StrictSlash(true)
	router.Use(loggingMiddleware(a.log))

	// When functioning properly, this route returns the version of the app
	// that is running
	router.Path("/").HandlerFunc(h.root)
	router.Path("/healthz").HandlerFunc(h.health)

	api := router.PathPrefix("/v1").Subrouter()

	// Mutating sync routes are token-guarded when an admin token hash is
	// configured
	syncRoutes := api.PathPrefix("/sync").Subrouter()
	syncRoutes.Use(adminTokenMiddleware(adminTokenHash))
	syncRoutes.Path("").Methods("POST").HandlerFunc(h.startSync)
	syncRoutes.Path("/{cycle}").Methods("DELETE").HandlerFunc(h.cancelSync)

	// Read-only status for running and past cycles
	api.Path("/sync/status").Methods("GET").HandlerFunc(h.syncStatus)

	// Catalogue queries
	api.Path("/tlds").Methods("GET").HandlerFunc(h.listTLDs)
	api.Path("/tlds/{tld}/stats").Methods("GET").HandlerFunc(h.tldStats)
	api.Path("/tlds/{tld}/domains").Methods("GET").HandlerFunc(h.tldDomains)
	api.Path("/zone-links").Methods("GET").HandlerFunc(h.zoneLinks)
	api.Path("/newly-registered").Methods("GET").HandlerFunc(h.newlyRegistered)
	api.Path("/newly-registered/stats").Methods("GET").HandlerFunc(h.newlyRegisteredStats)
	api.Path("/domains/{fqdn}/whois").Methods("GET").HandlerFunc(h.whoisLookup)

	// Note: this allows not found urls to be logged via the middleware
	// It **HAS** to be defined after all other paths are defined.
	router.NotFoundHandler = router.NewRoute().HandlerFunc(http.NotFound).GetHandler()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: ghandlers.CORS()(router),
	}

	go func() {
		a.log.WithField("port", a.port).Info("starting api server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Fatalf("listen: %s\n", err)
		}
	}()

	<-a.ctx.Done()

	a.log.Info("shutting down the api server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.log.WithError(err).Error("unable to shutdown the api server gracefully")
		return err
	}

	return nil
}
