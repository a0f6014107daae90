package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/engine"
	"github.com/patrikhermansson/pinmatch/internal/api"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveListen string
	serveWatch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the matching API over HTTP",
	Long: `Load or build the descriptor cache and the ANN index, then serve the
HTTP API. With --watch the collection is rebuilt after its files change.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "rebuild the collection when image files change")
}

func runServe(cmd *cobra.Command, args []string) error {
	f, err := loadFile()
	if err != nil {
		return err
	}
	if serveListen != "" {
		f.Listen = serveListen
	}
	if serveWatch {
		f.Watch = true
	}

	ctx := cmd.Context()
	eng, src, err := openEngine(ctx, f, false)
	if err != nil {
		return err
	}

	if f.Watch {
		w, err := collection.NewWatcher(src, f.WatchDebounce, func() bool { return rebuildOnChange(ctx, eng) })
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Collection watcher stopped")
			}
		}()
		log.Info().Msgf("Watching %s for changes", src.Root())
	}

	srv := &http.Server{
		Addr:              f.Listen,
		Handler:           api.New(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Listening on %s", f.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// rebuildOnChange rebuilds the collection after a watched change. It asks
// for a retry when another rebuild holds the engine, since that rebuild may
// have listed the files before the change.
func rebuildOnChange(ctx context.Context, eng *engine.Engine) (retry bool) {
	report, err := eng.RebuildCollection(ctx)
	switch {
	case errors.Is(err, engine.ErrRebuilding):
		log.Warn().Msg("Rebuild already running, retrying change notification later")
		return ctx.Err() == nil
	case err != nil:
		log.Error().Err(err).Msg("Rebuild after change failed")
	default:
		log.Info().Msgf("Rebuild after change: %d images", report.Indexed)
	}
	return false
}
