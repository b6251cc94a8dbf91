// Command eventstored runs the event store's HTTP server: the commit
// pipeline, durable store, search index, broadcast bus, SSE handler,
// magic-link auth manager, and schema catalog, all wired onto the
// §6 HTTP surface.
package main

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/eventstore/internal/auth"
	"github.com/cuemby/eventstore/internal/bus"
	"github.com/cuemby/eventstore/internal/commit"
	"github.com/cuemby/eventstore/internal/httpapi"
	"github.com/cuemby/eventstore/internal/jsondata"
	"github.com/cuemby/eventstore/internal/log"
	"github.com/cuemby/eventstore/internal/search"
	"github.com/cuemby/eventstore/internal/sse"
	"github.com/cuemby/eventstore/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventstored",
	Short: "eventstored is an event-sourced resource store with CloudEvents ingestion",
	Long: `eventstored accepts CloudEvents json.commit envelopes, applies RFC 7396
merge patches against a durable resource table, and fans committed
events out over authorized SSE subscriptions.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for the bbolt event/resource database ($DATA_DIR)")
	rootCmd.PersistentFlags().String("schema-dir", "./schemas", "Directory of per-resource-type JSON Schema files")
	rootCmd.PersistentFlags().String("base-url", "http://localhost:8080", "Externally reachable base URL, used in magic links and schema $id ($BASE_URL)")
	rootCmd.PersistentFlags().Bool("mock-email", false, "If true, magic links are written to <data-dir>/magic_link.json instead of being emailed ($MOCK_EMAIL)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HMAC secret for signing bearer JWTs ($JWT_SECRET); a random one is generated if empty")
	rootCmd.PersistentFlags().Int("port", 8080, "Port to listen on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resetCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func envOr(flagValue, envKey string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// boolEnvOr mirrors envOr for boolean flags: $envKey, parsed as a bool,
// wins over the flag default when set.
func boolEnvOr(flagValue bool, envKey string) bool {
	if v := os.Getenv(envKey); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return flagValue
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		schemaDir, _ := cmd.Flags().GetString("schema-dir")
		baseURL, _ := cmd.Flags().GetString("base-url")
		mockEmail, _ := cmd.Flags().GetBool("mock-email")
		jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
		port, _ := cmd.Flags().GetInt("port")

		dataDir = envOr(dataDir, "DATA_DIR")
		baseURL = envOr(baseURL, "BASE_URL")
		mockEmail = boolEnvOr(mockEmail, "MOCK_EMAIL")
		jwtSecret = envOr(jwtSecret, "JWT_SECRET")

		// Mock-email mode writes the magic-link payload to a well-known
		// file under the data dir rather than attempting real delivery.
		mockEmailPath := ""
		if mockEmail {
			mockEmailPath = filepath.Join(dataDir, "magic_link.json")
		}

		logger := log.WithComponent("eventstored")

		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store at %s: %w", dataDir, err)
		}
		defer st.Close()

		idx := search.New()
		b := bus.New(bus.DefaultCapacity)

		secret := []byte(jwtSecret)
		if len(secret) == 0 {
			generated, err := randomSecret()
			if err != nil {
				return fmt.Errorf("generate jwt secret: %w", err)
			}
			secret = generated
			logger.Warn().Msg("no --jwt-secret/$JWT_SECRET set, generated an ephemeral one; bearer tokens will not survive a restart")
		}
		authMgr := auth.NewManager(secret, baseURL, mockEmailPath)

		schemas, err := jsondata.Load(schemaDir, baseURL)
		if err != nil {
			return fmt.Errorf("load schema catalog at %s: %w", schemaDir, err)
		}

		pipelineLog := log.NewErrorReporter(log.WithComponent("commit"))
		pipeline := commit.New(st, idx, b, pipelineLog, schemas)
		sseHandler := sse.New(st, b)

		api := httpapi.New(authMgr, pipeline, st, idx, b, sseHandler, schemas)

		server := http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.Routes(),
		}

		// signal.Notify requires the channel to be buffered
		ctrlc := make(chan os.Signal, 1)
		signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-ctrlc
			server.Close()
		}()

		logger.Info().Int("port", port).Str("data_dir", dataDir).Msg("listening")
		err = server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server closed")
			return err
		}
		logger.Info().Msg("server closed")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the resource table in place, leaving the event log intact",
	Long: `reset opens the database directly (the server must not be running)
and drops every materialized resource, mirroring what POST /reset/
does against a live server. The event log itself is never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		dataDir = envOr(dataDir, "DATA_DIR")

		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store at %s: %w", dataDir, err)
		}
		defer st.Close()

		if err := st.ResetResources(); err != nil {
			return fmt.Errorf("reset resources: %w", err)
		}
		fmt.Println("resource table cleared")
		return nil
	},
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
