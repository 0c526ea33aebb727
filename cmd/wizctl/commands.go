package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
)

func createLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in and print the session token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Required: true},
			&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"WIZCTL_PASSWORD"}},
		},
		Action: func(cCtx *cli.Context) error {
			c := mustCreateAPIClient(cCtx)
			var sess struct {
				Token    string     `json:"token"`
				Username string     `json:"username"`
				Role     model.Role `json:"role"`
			}
			err := c.do(cCtx.Context, http.MethodPost, "/auth/login", map[string]string{
				"username": cCtx.String("username"),
				"password": cCtx.String("password"),
			}, &sess)
			if err != nil {
				return err
			}
			if format := cCtx.String("output"); format != encodeColumn {
				return FormatOutput(format, sess)
			}
			fmt.Printf("signed in as %s (%s)\n", sess.Username, sess.Role)
			fmt.Printf("export WIZCTL_TOKEN=%s\n", sess.Token)
			return nil
		},
	}
}

func createScanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "List nearby devices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Usage: "LOCK or GATEWAY"},
			&cli.StringFlag{Name: "qr", Usage: "Select the device printed on a QR label instead of scanning"},
		},
		Action: func(cCtx *cli.Context) error {
			c := mustCreateAPIClient(cCtx)
			body := map[string]string{"type": strings.ToUpper(cCtx.String("type"))}

			var devices []model.Device
			if code := cCtx.String("qr"); code != "" {
				body["code"] = code
				var res struct {
					Device model.Device `json:"device"`
				}
				if err := c.do(cCtx.Context, http.MethodPost, "/api/v1/scan/qr", body, &res); err != nil {
					return err
				}
				devices = append(devices, res.Device)
			} else {
				var res struct {
					Devices []model.Device `json:"devices"`
				}
				if err := c.do(cCtx.Context, http.MethodPost, "/api/v1/scan", body, &res); err != nil {
					return err
				}
				devices = res.Devices
			}

			if format := cCtx.String("output"); format != encodeColumn {
				return FormatOutput(format, devices)
			}
			w := newTabWriter()
			fs := "%s\t%s\t%s\t%s\t%s\t%s\n"
			fmt.Fprintf(w, fs, "MAC", "TYPE", "NAME", "RSSI", "BATTERY", "SETTING MODE")
			for _, d := range devices {
				fmt.Fprintf(w, fs, d.MACAddress, d.Type, d.Name, fmt.Sprint(d.RSSI), battery(d), fmt.Sprint(d.IsSettingMode))
			}
			return w.Flush()
		},
	}
}

func createProvisionCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision",
		Usage: "Start, follow and cancel provisioning runs",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Provision a scanned device",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mac", Required: true},
					&cli.StringFlag{Name: "type", Value: string(model.KindLock)},
					&cli.StringFlag{Name: "building", Required: true},
					&cli.StringFlag{Name: "floor", Required: true},
					&cli.StringFlag{Name: "room"},
					&cli.StringFlag{Name: "alias"},
					&cli.StringFlag{Name: "notes"},
					&cli.StringFlag{Name: "ssid", Usage: "Wi-Fi network for a gateway"},
					&cli.StringFlag{Name: "wifi-password", EnvVars: []string{"WIZCTL_WIFI_PASSWORD"}},
					&cli.BoolFlag{Name: "follow", Usage: "Stream status changes until the run ends"},
				},
				Action: func(cCtx *cli.Context) error {
					c := mustCreateAPIClient(cCtx)
					var st provision.Status
					err := c.do(cCtx.Context, http.MethodPost, "/api/v1/provisioning", map[string]string{
						"macAddress":   cCtx.String("mac"),
						"type":         strings.ToUpper(cCtx.String("type")),
						"buildingId":   cCtx.String("building"),
						"floorId":      cCtx.String("floor"),
						"roomId":       cCtx.String("room"),
						"alias":        cCtx.String("alias"),
						"notes":        cCtx.String("notes"),
						"wifiSsid":     cCtx.String("ssid"),
						"wifiPassword": cCtx.String("wifi-password"),
					}, &st)
					if err != nil {
						return err
					}
					if cCtx.Bool("follow") {
						return followRun(cCtx, st.RunID)
					}
					return printStatus(cCtx, st)
				},
			},
			{
				Name:      "status",
				Usage:     "Show a run",
				ArgsUsage: "RUN_ID",
				Action: func(cCtx *cli.Context) error {
					id, err := runIDArg(cCtx)
					if err != nil {
						return err
					}
					var st provision.Status
					if err := mustCreateAPIClient(cCtx).do(cCtx.Context, http.MethodGet, "/api/v1/provisioning/"+url.PathEscape(id), nil, &st); err != nil {
						return err
					}
					return printStatus(cCtx, st)
				},
			},
			{
				Name:      "watch",
				Usage:     "Stream status changes of a run until it ends",
				ArgsUsage: "RUN_ID",
				Action: func(cCtx *cli.Context) error {
					id, err := runIDArg(cCtx)
					if err != nil {
						return err
					}
					return followRun(cCtx, id)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a run and remove what it registered",
				ArgsUsage: "RUN_ID",
				Action: func(cCtx *cli.Context) error {
					id, err := runIDArg(cCtx)
					if err != nil {
						return err
					}
					var st provision.Status
					if err := mustCreateAPIClient(cCtx).do(cCtx.Context, http.MethodDelete, "/api/v1/provisioning/"+url.PathEscape(id), nil, &st); err != nil {
						return err
					}
					return printStatus(cCtx, st)
				},
			},
			{
				Name:  "history",
				Usage: "List recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: func(cCtx *cli.Context) error {
					var res struct {
						Runs       []model.ProvisioningRun `json:"runs"`
						Unfinished []string                `json:"unfinished"`
					}
					path := fmt.Sprintf("/api/v1/provisioning/history?limit=%d", cCtx.Int("limit"))
					if err := mustCreateAPIClient(cCtx).do(cCtx.Context, http.MethodGet, path, nil, &res); err != nil {
						return err
					}
					if format := cCtx.String("output"); format != encodeColumn {
						return FormatOutput(format, res)
					}
					w := newTabWriter()
					fs := "%s\t%s\t%s\t%s\t%s\t%s\n"
					fmt.Fprintf(w, fs, "RUN ID", "MAC", "TYPE", "STATE", "TECHNICIAN", "STARTED")
					for _, r := range res.Runs {
						fmt.Fprintf(w, fs, r.ID, r.MACAddress, r.DeviceType, r.State, r.Technician, r.StartedAt.Format(time.RFC3339))
					}
					if err := w.Flush(); err != nil {
						return err
					}
					if len(res.Unfinished) > 0 {
						fmt.Printf("\nunfinished: %s\n", strings.Join(res.Unfinished, ", "))
					}
					return nil
				},
			},
		},
	}
}

func createDiagnosticsCommand() *cli.Command {
	macAction := func(method, suffix string) cli.ActionFunc {
		return func(cCtx *cli.Context) error {
			mac := cCtx.Args().First()
			if mac == "" {
				return fmt.Errorf("a MAC address is required")
			}
			var res map[string]any
			path := "/api/v1/diagnostics/" + url.PathEscape(mac) + suffix
			if err := mustCreateAPIClient(cCtx).do(cCtx.Context, method, path, nil, &res); err != nil {
				return err
			}
			return printMap(cCtx, res)
		}
	}
	return &cli.Command{
		Name:  "diagnostics",
		Usage: "Maintenance tools for installed locks",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Health check of the nearest lock",
				Action: func(cCtx *cli.Context) error {
					var rep provision.HealthReport
					if err := mustCreateAPIClient(cCtx).do(cCtx.Context, http.MethodPost, "/api/v1/diagnostics/run", nil, &rep); err != nil {
						return err
					}
					if format := cCtx.String("output"); format != encodeColumn {
						return FormatOutput(format, rep)
					}
					for _, line := range rep.Log {
						fmt.Println(line)
					}
					return nil
				},
			},
			{Name: "firmware", Usage: "Check the firmware of a lock", ArgsUsage: "MAC", Action: macAction(http.MethodPost, "/firmware")},
			{Name: "reset", Usage: "Factory reset a lock", ArgsUsage: "MAC", Action: macAction(http.MethodPost, "/reset")},
			{Name: "signal", Usage: "Analyse the radio link to a device", ArgsUsage: "MAC", Action: macAction(http.MethodGet, "/signal")},
		},
	}
}

func createLogsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Show and upload the activity log",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List activity log entries, newest first",
				Action: func(cCtx *cli.Context) error {
					var res struct {
						Logs    []model.ActivityLog `json:"logs"`
						Pending int                 `json:"pending"`
					}
					if err := mustCreateAPIClient(cCtx).do(cCtx.Context, http.MethodGet, "/api/v1/logs", nil, &res); err != nil {
						return err
					}
					if format := cCtx.String("output"); format != encodeColumn {
						return FormatOutput(format, res)
					}
					w := newTabWriter()
					fs := "%s\t%s\t%s\t%s\n"
					fmt.Fprintf(w, fs, "TIME", "ACTION", "STATUS", "DETAILS")
					for _, e := range res.Logs {
						ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
						fmt.Fprintf(w, fs, ts, e.Action, e.Status, e.Details)
					}
					if err := w.Flush(); err != nil {
						return err
					}
					fmt.Printf("\n%d pending upload\n", res.Pending)
					return nil
				},
			},
			{
				Name:  "sync",
				Usage: "Upload pending entries now",
				Action: func(cCtx *cli.Context) error {
					var res struct {
						Synced int `json:"synced"`
					}
					if err := mustCreateAPIClient(cCtx).do(cCtx.Context, http.MethodPost, "/api/v1/logs/sync", nil, &res); err != nil {
						return err
					}
					fmt.Printf("uploaded %d entries\n", res.Synced)
					return nil
				},
			},
		},
	}
}

func battery(d model.Device) string {
	if d.BatteryLevel == nil {
		return "-"
	}
	return fmt.Sprintf("%d%%", *d.BatteryLevel)
}

func runIDArg(cCtx *cli.Context) (string, error) {
	id := cCtx.Args().First()
	if id == "" {
		return "", fmt.Errorf("a run id is required")
	}
	return id, nil
}

func printStatus(cCtx *cli.Context, st provision.Status) error {
	if format := cCtx.String("output"); format != encodeColumn {
		return FormatOutput(format, st)
	}
	line := fmt.Sprintf("%s  %s  %s", st.RunID, st.MAC, st.State)
	if st.Step != "" {
		line += "  " + st.Step
	}
	if st.Attempt > 0 {
		line += fmt.Sprintf("  attempt %d", st.Attempt)
	}
	if st.Error != "" {
		line += "  error: " + st.Error
		if st.Resumable {
			line += " (resumable)"
		}
	}
	fmt.Println(line)
	return nil
}

func printMap(cCtx *cli.Context, res map[string]any) error {
	if format := cCtx.String("output"); format != encodeColumn {
		return FormatOutput(format, res)
	}
	return FormatOutput(encodeYaml, res)
}

// followRun streams a run's status over the events websocket until the
// server closes it.
func followRun(cCtx *cli.Context, runID string) error {
	u, err := url.Parse(cCtx.String("service-url"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/provisioning/" + url.PathEscape(runID) + "/events"
	u.RawQuery = url.Values{"token": {cCtx.String("token")}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(cCtx.Context, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	var last provision.Status
	for {
		var st provision.Status
		if err := conn.ReadJSON(&st); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return err
		}
		last = st
		if err := printStatus(cCtx, st); err != nil {
			return err
		}
	}
	if last.State == provision.StateError {
		return fmt.Errorf("run %s failed at %s", runID, last.Stage)
	}
	return nil
}
