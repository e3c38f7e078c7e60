package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medqueue/internal/analytics"
	"medqueue/internal/auth"
	"medqueue/internal/config"
	"medqueue/internal/model"
	"medqueue/internal/reconcile"
	"medqueue/internal/session"
)

func newDisplayCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "display",
		Short: "Run the public queue board",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.startStream()

			d := reconcile.NewDisplay(rt.broker, rt.conn, rt.api.Tokens, reconcile.DisplayOptions{
				Logger:          &rt.log,
				Scheduler:       rt.sched,
				RefreshSchedule: rt.cfg.Display.RefreshSchedule,
			})
			out := newStatePrinter(cmd.OutOrStdout(), *asJSON)
			d.OnChange(func(s reconcile.DisplayState) { out.print(s) })
			if err := d.Start(rt.ctx); err != nil {
				return err
			}
			defer d.Close()
			rt.serveStatus(auth.ScreenDisplay, func() any { return d.State() })

			err = runScreen(rt.ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), map[string]lineCommand{
				"refresh": func(ctx context.Context, _ []string) error {
					d.Refresh(ctx)
					return nil
				},
				"dismiss": func(context.Context, []string) error {
					d.DismissError()
					return nil
				},
			})
			return rt.err(err)
		},
	}
}

func newKioskCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	var (
		serviceID int64
		doctorID  int64
		name      string
		phone     string
		age       int
		gender    string
		urgent    bool
	)
	cmd := &cobra.Command{
		Use:   "kiosk",
		Short: "Run the self-service registration kiosk",
		Long: "Run the self-service registration kiosk. With --name and --service a token is issued at start;\n" +
			"otherwise type `issue <service-id> <name>` to register. Other commands: help, new, dismiss.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.startStream()

			store := session.NewStore(rt.kv, rt.cfg.Kiosk.ID)
			k := reconcile.NewKiosk(rt.broker, rt.broker, rt.conn, rt.api.Tokens, rt.api.Admin, store, reconcile.KioskOptions{
				Logger:       &rt.log,
				Name:         rt.cfg.Kiosk.Name,
				HelpDuration: config.HelpDuration(rt.cfg),
			})
			out := newStatePrinter(cmd.OutOrStdout(), *asJSON)
			k.OnChange(func(s reconcile.KioskState) { out.print(s) })
			if err := k.Start(rt.ctx); err != nil {
				return err
			}
			defer k.Close()
			rt.serveStatus(auth.ScreenKiosk, func() any { return k.State() })

			patient := func(fullName string, svc int64) model.PatientTokenRequest {
				req := model.PatientTokenRequest{
					Patient: model.Patient{
						Name:   fullName,
						Phone:  phone,
						Gender: model.Gender(strings.ToUpper(gender)),
					},
					ServiceTypeID: svc,
					Urgent:        urgent,
				}
				if age > 0 {
					a := age
					req.Patient.Age = &a
				}
				if doctorID > 0 {
					d := doctorID
					req.DoctorID = &d
				}
				return req
			}
			if strings.TrimSpace(name) != "" {
				if _, err := k.Issue(rt.ctx, patient(name, serviceID)); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				}
			}

			err = runScreen(rt.ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), map[string]lineCommand{
				"issue": func(ctx context.Context, args []string) error {
					if len(args) < 2 {
						return errors.New("usage: issue <service-id> <name>")
					}
					svc, err := parseID(args[0])
					if err != nil {
						return err
					}
					_, err = k.Issue(ctx, patient(strings.Join(args[1:], " "), svc))
					return err
				},
				"help": func(context.Context, []string) error {
					k.RequestHelp()
					return nil
				},
				"new": func(ctx context.Context, _ []string) error {
					return k.NewToken(ctx)
				},
				"dismiss": func(context.Context, []string) error {
					k.DismissError()
					return nil
				},
			})
			return rt.err(err)
		},
	}
	cmd.Flags().Int64Var(&serviceID, "service", 0, "Department id for the token issued at start")
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "Preferred doctor id")
	cmd.Flags().StringVar(&name, "name", "", "Patient name; issues a token at start when set")
	cmd.Flags().StringVar(&phone, "phone", "", "Patient phone")
	cmd.Flags().IntVar(&age, "age", 0, "Patient age")
	cmd.Flags().StringVar(&gender, "gender", "", "Patient gender (male, female, other)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "Request emergency priority")
	return cmd
}

func newStaffCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	var counterID, serviceID int64
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Run the counter console",
		Long: "Run the counter console. Commands: select <counter-id> <service-id>, call, complete, skip,\n" +
			"break, reload, dismiss.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.authorize(auth.ScreenStaff); err != nil {
				return err
			}
			rt.startStream()

			if counterID == 0 {
				counterID = rt.cfg.Staff.CounterID
			}
			if serviceID == 0 {
				serviceID = rt.cfg.Staff.ServiceID
			}
			s := reconcile.NewStaff(rt.broker, rt.conn, rt.api.Counters, rt.api.Counters, rt.api.Admin, reconcile.StaffOptions{
				Logger:    &rt.log,
				CounterID: counterID,
				ServiceID: serviceID,
			})
			out := newStatePrinter(cmd.OutOrStdout(), *asJSON)
			s.OnChange(func(st reconcile.StaffState) { out.print(st) })
			if err := s.Start(rt.ctx); err != nil {
				return err
			}
			defer s.Close()
			rt.serveStatus(auth.ScreenStaff, func() any { return s.State() })

			err = runScreen(rt.ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), map[string]lineCommand{
				"select": func(_ context.Context, args []string) error {
					if len(args) != 2 {
						return errors.New("usage: select <counter-id> <service-id>")
					}
					c, err := parseID(args[0])
					if err != nil {
						return err
					}
					svc, err := parseID(args[1])
					if err != nil {
						return err
					}
					s.Select(c, svc)
					return nil
				},
				"call":     func(ctx context.Context, _ []string) error { return s.CallNext(ctx) },
				"complete": func(ctx context.Context, _ []string) error { return s.Complete(ctx) },
				"skip":     func(ctx context.Context, _ []string) error { return s.Skip(ctx) },
				"break":    func(ctx context.Context, _ []string) error { return s.ToggleBreak(ctx) },
				"reload": func(ctx context.Context, _ []string) error {
					s.Reload(ctx)
					return nil
				},
				"dismiss": func(context.Context, []string) error {
					s.DismissError()
					return nil
				},
			})
			return rt.err(err)
		},
	}
	cmd.Flags().Int64Var(&counterID, "counter", 0, "Counter id (defaults to staff.counter_id)")
	cmd.Flags().Int64Var(&serviceID, "service", 0, "Department id (defaults to staff.service_id)")
	return cmd
}

func newAdminCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Run the administration dashboard",
		Long: "Run the administration dashboard. Commands: approve <token-id>, reject <token-id>, refresh,\n" +
			"view, dismiss, report [file], service <avg-minutes> <name>, counter <name>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.authorize(auth.ScreenAdmin); err != nil {
				return err
			}
			rt.startStream()

			a := reconcile.NewAdmin(rt.broker, rt.conn, rt.api.Admin, rt.api.Tokens, reconcile.AdminOptions{
				Logger:       &rt.log,
				Scheduler:    rt.sched,
				PollSchedule: rt.cfg.Admin.PollSchedule,
			})
			out := newStatePrinter(cmd.OutOrStdout(), *asJSON)
			a.OnChange(func(s reconcile.AdminState) { out.print(s) })
			if err := a.Start(rt.ctx); err != nil {
				return err
			}
			defer a.Close()
			rt.serveStatus(auth.ScreenAdmin, func() any { return a.State() })

			withID := func(fn func(context.Context, int64) error) lineCommand {
				return func(ctx context.Context, args []string) error {
					if len(args) != 1 {
						return errors.New("expected one token id")
					}
					id, err := parseID(args[0])
					if err != nil {
						return err
					}
					return fn(ctx, id)
				}
			}
			err = runScreen(rt.ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), map[string]lineCommand{
				"approve": withID(a.ApproveEmergency),
				"reject":  withID(a.RejectEmergency),
				"refresh": func(ctx context.Context, _ []string) error {
					a.Refresh(ctx)
					return nil
				},
				"view": func(ctx context.Context, _ []string) error {
					a.ViewNotification(ctx)
					return nil
				},
				"dismiss": func(context.Context, []string) error {
					a.DismissNotification()
					a.DismissError()
					return nil
				},
				"report": func(ctx context.Context, args []string) error {
					path := analytics.DailyReportFilename(time.Now())
					if len(args) > 0 {
						path = args[0]
					}
					return writeReportFile(path, func(f *os.File) error { return a.DailyReport(ctx, f) })
				},
				"service": func(ctx context.Context, args []string) error {
					if len(args) < 2 {
						return errors.New("usage: service <avg-minutes> <name>")
					}
					avg, err := strconv.Atoi(args[0])
					if err != nil || avg <= 0 {
						return fmt.Errorf("invalid average service time %q", args[0])
					}
					_, err = a.CreateService(ctx, model.Service{Name: strings.Join(args[1:], " "), AvgServiceTime: avg})
					return err
				},
				"counter": func(ctx context.Context, args []string) error {
					if len(args) == 0 {
						return errors.New("usage: counter <name>")
					}
					_, err := a.CreateCounter(ctx, model.CounterRequest{
						Name:   strings.Join(args, " "),
						Status: model.CounterStatusOpen,
					})
					return err
				},
			})
			return rt.err(err)
		},
	}
}
