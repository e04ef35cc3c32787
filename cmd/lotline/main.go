package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lotline/internal/app"
	"lotline/internal/config"
	"lotline/internal/db"
	"lotline/internal/domain"
	"lotline/internal/server"
	"lotline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "lotline",
	Short: "Lotline CLI",
	Long: `Lotline tracks agricultural lots from harvest to sale and reconciles
offline mutation queues recorded by field devices.
- Workspace: a .lotline directory holding the database; lotline.yml holds defaults.
- Lots: harvest batches with crop, quantity, certifications, and a traceability code.
- Events: an append-only history per lot (creation, updates, deletion, custom trace events).
- Sync: devices queue creations/updates/deletions offline and replay them in one batch;
  each item lands as synced, conflict, or failed without aborting the rest.
- Devices: per-producer keys that authenticate sync clients against the API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("producer", "local-producer", "producer identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("producer", rootCmd.PersistentFlags().Lookup("producer"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(lotCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (lotline.yml): producer defaults (unit, currency), sustainability metric names, sync batch limits, and webhook targets.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default lotline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store status",
		Long:  "Counts of lots and trace events in the workspace database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lots, events, err := a.Store.Count(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{"lots": lots, "events": events}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Lots:   %d\nEvents: %d\n", lots, events)
				return nil
			})
		},
	}
	return cmd
}

func lotCmd() *cobra.Command {
	lot := &cobra.Command{
		Use:   "lot",
		Short: "Manage lots",
		Long:  "Lots are harvest batches. Creation assigns a traceability code; updates and deletion are recorded in the lot's event history.",
	}
	lot.AddCommand(lotCreateCmd())
	lot.AddCommand(lotListCmd())
	lot.AddCommand(lotShowCmd())
	lot.AddCommand(lotUpdateCmd())
	lot.AddCommand(lotDeleteCmd())
	lot.AddCommand(lotHistoryCmd())
	lot.AddCommand(lotEventCmd())
	lot.AddCommand(lotQRCmd())
	return lot
}

// lotFieldFlags registers the shared mutable-field flags and returns a
// builder that collects only the flags the user actually set.
func lotFieldFlags(cmd *cobra.Command) func() map[string]any {
	var cropType, unit, location, currency, harvestDate string
	var quantity, price float64
	var certs []string
	var dataJSON string
	cmd.Flags().StringVar(&cropType, "crop-type", "", "crop type")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&unit, "unit", "", "unit (defaults from config)")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().Float64Var(&price, "price", 0, "price")
	cmd.Flags().StringVar(&currency, "currency", "", "currency (defaults from config)")
	cmd.Flags().StringVar(&harvestDate, "harvest-date", "", "harvest date (RFC 3339)")
	cmd.Flags().StringArrayVar(&certs, "certification", []string{}, "certification (repeatable)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "extra fields as JSON (e.g. sustainability_metrics)")
	return func() map[string]any {
		data := map[string]any{}
		if dataJSON != "" {
			_ = json.Unmarshal([]byte(dataJSON), &data)
		}
		set := func(name string, v any) {
			if cmd.Flags().Changed(name) {
				data[strings.ReplaceAll(name, "-", "_")] = v
			}
		}
		set("crop-type", cropType)
		set("quantity", quantity)
		set("unit", unit)
		set("location", location)
		set("price", price)
		set("currency", currency)
		set("harvest-date", harvestDate)
		set("certification", certs)
		if cmd.Flags().Changed("certification") {
			delete(data, "certification")
			data["certifications"] = certs
		}
		return data
	}
}

func lotCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lot",
	}
	fields := lotFieldFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			lot, err := a.Engine.CreateLot(ctx, viper.GetString("producer"), fields())
			if err != nil {
				return err
			}
			return printJSONOrTable(lot)
		})
	}
	return cmd
}

func lotListCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lots, err := a.Engine.ListLots(ctx, viper.GetString("producer"), includeDeleted)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lots)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Crop", "Quantity", "Status", "Code", "Updated"})
				for _, l := range lots {
					tw.AppendRow(table.Row{
						l.ID,
						l.CropType,
						fmt.Sprintf("%v %s", l.Quantity, l.Unit),
						l.Status,
						l.TraceabilityCode,
						l.UpdatedAt.Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted lots")
	return cmd
}

func lotShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lot, err := a.Engine.GetLot(ctx, args[0], viper.GetString("producer"))
				if err != nil {
					return err
				}
				return printJSONOrTable(lot)
			})
		},
	}
	return cmd
}

func lotUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a lot",
		Args:  cobra.ExactArgs(1),
	}
	fields := lotFieldFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			lot, err := a.Engine.UpdateLot(ctx, args[0], viper.GetString("producer"), fields())
			if err != nil {
				return err
			}
			return printJSONOrTable(lot)
		})
	}
	return cmd
}

func lotDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteLot(ctx, args[0], viper.GetString("producer"))
			})
		},
	}
	return cmd
}

func lotHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a lot's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lot, err := a.Engine.GetLot(ctx, args[0], viper.GetString("producer"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lot.Events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Description"})
				for _, evt := range lot.Events {
					tw.AppendRow(table.Row{evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func lotEventCmd() *cobra.Command {
	var evtType, description, metadataJSON string
	cmd := &cobra.Command{
		Use:   "event <id>",
		Short: "Append a trace event to a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var metadata map[string]any
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
					return fmt.Errorf("invalid --metadata-json: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := a.Engine.AddEvent(ctx, args[0], viper.GetString("producer"), evtType, description, metadata)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func lotQRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr <id>",
		Short: "Print the QR payload for a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				payload, err := a.Engine.QRPayload(ctx, args[0], viper.GetString("producer"))
				if err != nil {
					return err
				}
				return printJSONOrTable(payload)
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile offline mutation queues",
		Long:  "Replay a queue file recorded by an offline device against the local store. Each mutation is applied in order; the result lists synced, conflicting, and failed items.",
	}
	sync.AddCommand(syncReplayCmd())
	return sync
}

func syncReplayCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a mutation queue file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var batch struct {
				Mutations []domain.Mutation `json:"mutations"`
			}
			if err := json.Unmarshal(data, &batch); err != nil {
				return fmt.Errorf("parse queue file: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				result, err := a.Reconciler.Reconcile(ctx, viper.GetString("producer"), batch.Mutations)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("Synced: %d, Conflicts: %d, Failed: %d\n",
					len(result.Synced), len(result.Conflicts), len(result.Failed))
				for _, item := range result.Conflicts {
					fmt.Printf("  conflict: %s (server is newer)\n", item.LotID)
				}
				for _, item := range result.Failed {
					fmt.Printf("  failed: %s %s: %s\n", item.Item.Type, item.Item.LotID, strings.Join(item.Errors, "; "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to queue JSON ({\"mutations\": [...]})")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{
		Use:   "device",
		Short: "Manage device keys",
		Long:  "Device keys authenticate field devices against the sync API. The key is printed once at registration; only its hash is stored.",
	}
	dev.AddCommand(deviceRegisterCmd())
	dev.AddCommand(deviceListCmd())
	dev.AddCommand(deviceRevokeCmd())
	return dev
}

func deviceRegisterCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device and print its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key := uuid.NewString()
				dk := store.DeviceKey{
					ID:         uuid.NewString(),
					ProducerID: viper.GetString("producer"),
					Name:       name,
					KeyHash:    store.HashDeviceKey(key),
				}
				if err := a.Store.InsertDeviceKey(ctx, dk); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": dk.ID, "name": dk.Name, "key": key})
				}
				fmt.Printf("Device %s registered.\nKey (save it now, it is not shown again): %s\n", dk.ID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "device name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func deviceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Store.ListDeviceKeys(ctx, viper.GetString("producer"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func deviceRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a device key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Store.ListDeviceKeys(ctx, viper.GetString("producer"))
				if err != nil {
					return err
				}
				for _, k := range keys {
					if k.ID == args[0] {
						return a.Store.DeleteDeviceKey(ctx, k.ID)
					}
				}
				return fmt.Errorf("device %s not found", args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:           a.Config.Server.JWTSecret,
				AllowProducerHeader: a.Config.Server.AllowProducerHeader,
				Keys:                a.Store,
			}
			if secret := os.Getenv("LOTLINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				Reconciler: a.Reconciler,
				BasePath:   basePath,
				Auth:       authCfg,
				Devices:    a.Store,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Lotline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
