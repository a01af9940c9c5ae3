package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/beacon-station/internal/api"
	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/internal/station"
	"procodus.dev/beacon-station/internal/store"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Render the persisted beacons",
	Long: `Load the persisted live table and history log and print the filtered view
as a table or as JSON. The station does not need to run; nothing is written.
A bolt database is locked while a station has it open: pass --grpc-addr to
ask the running station instead.`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().String("mode", "live", "View mode (live, history)")
	queryCmd.Flags().String("sender", "all", "Sender id to show, or all")
	queryCmd.Flags().String("time", "", "Time cutoff (MM-DD-YYYY HH:MM:SS or RFC 3339, UTC)")
	queryCmd.Flags().String("direction", "after", "Keep records before or after the cutoff")
	queryCmd.Flags().Bool("json", false, "Print the view as JSON")
	queryCmd.Flags().String("grpc-addr", "", "Query a running station's gRPC service instead of the persisted documents")
	addPersistenceFlags(queryCmd, "query")

	_ = viper.BindPFlag("query.mode", queryCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("query.sender", queryCmd.Flags().Lookup("sender"))
	_ = viper.BindPFlag("query.time", queryCmd.Flags().Lookup("time"))
	_ = viper.BindPFlag("query.direction", queryCmd.Flags().Lookup("direction"))
	_ = viper.BindPFlag("query.json", queryCmd.Flags().Lookup("json"))
	_ = viper.BindPFlag("query.grpc_addr", queryCmd.Flags().Lookup("grpc-addr"))
}

func runQuery(_ *cobra.Command, _ []string) error {
	logger := GetStderrLogger()

	requested := api.SelectionJSON{
		Mode:      viper.GetString("query.mode"),
		Direction: viper.GetString("query.direction"),
	}
	sender, err := api.ParseSender(viper.GetString("query.sender"))
	if err != nil {
		return err
	}
	requested.Sender = sender
	if at := viper.GetString("query.time"); at != "" {
		requested.Time = &at
	}

	sel, err := api.DecodeSelection(requested)
	if err != nil {
		return err
	}

	var view query.View
	if addr := viper.GetString("query.grpc_addr"); addr != "" {
		view, err = queryRemote(context.Background(), addr, requested)
		if err != nil {
			return err
		}
	} else {
		snap, err := loadSnapshot(context.Background(), persistenceConfig("query", logger))
		if err != nil {
			return err
		}
		view = query.Render(snap, sel.Mode, sel.Filters)
	}

	if viper.GetBool("query.json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "    ")
		return enc.Encode(api.EncodeView(view))
	}

	query.WriteTable(os.Stdout, view)
	return nil
}

func loadSnapshot(ctx context.Context, cfg *station.ServerConfig) (store.Snapshot, error) {
	persistence, err := station.OpenPersistenceReadOnly(cfg)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to open persistence: %w", err)
	}

	st, err := store.New(ctx, &store.Config{
		Logger:      cfg.Logger,
		Persistence: persistence,
	})
	if err != nil {
		persistence.Close()
		return store.Snapshot{}, fmt.Errorf("failed to load store: %w", err)
	}
	defer st.Close()

	return st.Snapshot(), nil
}

// queryRemote renders the view on a running station.
func queryRemote(ctx context.Context, addr string, requested api.SelectionJSON) (query.View, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return query.View{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	req, err := api.SelectionStruct(requested)
	if err != nil {
		return query.View{}, err
	}
	// Unset filters would otherwise fall back to the station's own view.
	if requested.Sender == nil {
		req.Fields["sender"] = structpb.NewStringValue("all")
	}
	if requested.Time == nil {
		req.Fields["time"] = structpb.NewStringValue("")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := api.NewBeaconStationClient(conn).Query(ctx, req)
	if err != nil {
		return query.View{}, fmt.Errorf("failed to query station: %w", err)
	}
	body, err := api.DecodeViewStruct(out)
	if err != nil {
		return query.View{}, err
	}
	return api.DecodeView(body)
}
