/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuslive/chat/server/admin"
	_ "github.com/campuslive/chat/server/db/mongodb"
	"github.com/campuslive/chat/server/live"
	"github.com/campuslive/chat/server/logs"
	"github.com/campuslive/chat/server/store"
	jcr "github.com/tinode/jsonco"
)

const (
	// currentVersion is the reported build of the service.
	currentVersion = "0.1"
	// defaultConfigFile is used when -config is not given.
	defaultConfigFile = "./campuslive.conf"
	// shutdownTimeout bounds the graceful drain of the HTTP listener.
	shutdownTimeout = 5 * time.Second
)

var globals struct {
	subs      *live.Manager
	dashboard *admin.Dashboard

	// Channel for asynchronous expvar updates.
	statsUpdate chan *varUpdate
}

type configType struct {
	// HTTP address for the stats endpoint, e.g. ":6060".
	Listen string `json:"listen"`
	// URL path the expvar handler is mounted on; "-" disables it.
	StatsPath string `json:"expvar"`
	// Id of this node used in snowflake key generation, 0..1023.
	WorkerID int `json:"worker_id"`
	// Configuration of the storage layer, passed to store.Open unparsed.
	StoreConfig json.RawMessage `json:"store_config"`
}

func main() {
	logs.Info.Printf("server v%s pid=%d started", currentVersion, os.Getpid())

	configfile := flag.String("config", defaultConfigFile, "Path to config file.")
	listenOn := flag.String("listen", "", "Override config address to listen on for stats.")
	flag.Parse()

	config := loadConfig(*configfile)
	if *listenOn != "" {
		config.Listen = *listenOn
	}

	if err := store.Open(config.WorkerID, config.StoreConfig); err != nil {
		logs.Error.Fatalln("failed to connect to store:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logs.Error.Println("failed to close store:", err)
		}
		logs.Info.Println("closed database connection(s)")
	}()
	logs.Info.Println("db adapter:", store.GetAdapterName())

	mux := http.NewServeMux()
	statsInit(mux, config.StatsPath)
	statsRegisterInt("TotalIdentities")
	statsRegisterInt("TotalConversations")
	statsRegisterInt("MessagesToday")

	globals.subs = live.NewManager()
	globals.dashboard = admin.NewDashboard(globals.subs, statsSet)
	if err := globals.dashboard.Start(context.Background()); err != nil {
		logs.Error.Fatalln("failed to start dashboard:", err)
	}
	mux.HandleFunc("/dashboard", serveDashboard)

	if err := listenAndServe(mux, config.Listen, signalHandler()); err != nil {
		logs.Error.Fatalln(err)
	}
}

func loadConfig(path string) *configType {
	file, err := os.Open(path)
	if err != nil {
		logs.Error.Fatalln("failed to read config file:", err)
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Error.Fatalf("unmarshal error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Error.Fatalf("syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			logs.Error.Fatalln("failed to parse config file:", err)
		}
	}
	return &config
}

func serveDashboard(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(wrt, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(wrt).Encode(globals.dashboard.Snapshot())
}

func listenAndServe(mux *http.ServeMux, addr string, stop <-chan bool) error {
	server := &http.Server{Addr: addr, Handler: mux}

	shuttingDown := false
	httpdone := make(chan bool)
	go func() {
		logs.Info.Printf("listening for stats connections on [%s]", addr)
		if err := server.ListenAndServe(); err != nil {
			if shuttingDown {
				logs.Info.Println("HTTP server: stopped")
			} else {
				logs.Error.Println("HTTP server: failed", err)
			}
		}
		httpdone <- true
	}()

	select {
	case <-stop:
		// Close the Accept-ing socket so no new connections are possible,
		// then drain what is in flight.
		shuttingDown = true
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
		<-httpdone

		globals.dashboard.Stop()
		globals.subs.Shutdown()
		statsShutdown()

	case <-httpdone:
	}
	return nil
}

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is.
		sig := <-signchan
		logs.Info.Printf("signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}
