package commands

import (
	"context"
	"strings"

	"github.com/danmuck/labctl/internal/protocol/message"
	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/spf13/cobra"
)

var (
	runOptions   []string
	folderMode   string
	estimateOpts []string
)

var hardwareCmd = &cobra.Command{
	Use:   "hardware",
	Short: "Show instrument hardware status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			hw, err := s.Hardware(ctx)
			if err != nil {
				return fail("Hardware request failed", err)
			}
			if hw.Connected {
				success("instrument %s connected to hardware", s.Address())
			} else {
				warning("instrument %s reports no hardware connection", s.Address())
			}
			field("software", hw.Software)
			field("type", hw.Type)
			return nil
		})
	},
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List protocols and their options",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			catalog, err := s.Protocols(ctx)
			if err != nil {
				return fail("Protocol catalog request failed", err)
			}
			for _, name := range catalog.Names() {
				success("%s", name)
				for opt, values := range catalog[name] {
					if len(values) == 0 {
						field(opt, "(any)")
						continue
					}
					field(opt, strings.Join(values, ", "))
				}
			}
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <protocol>",
	Short: "Run a protocol and wait for its data folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseOptions(runOptions)
		if err != nil {
			return fail("Invalid option", err)
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			res, err := s.RunProtocol(ctx, args[0], opts)
			if err != nil {
				return fail("Protocol run failed", err)
			}
			success("%s finished (%s)", args[0], res.State)
			field("data folder", res.Folder)
			return nil
		})
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <protocol>",
	Short: "Estimate how long a protocol run takes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseOptions(estimateOpts)
		if err != nil {
			return fail("Invalid option", err)
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			d, err := s.EstimateDuration(ctx, args[0], opts)
			if err != nil {
				return fail("Duration estimate failed", err)
			}
			success("%s takes about %s", args[0], d)
			return nil
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the running protocol",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if err := s.Abort(ctx); err != nil {
				return fail("Abort failed", err)
			}
			success("abort sent")
			return nil
		})
	},
}

// valueCmd builds a get-or-set command for one text item.
func valueCmd(name string, get func(*session.Session, context.Context) (string, error), set func(*session.Session, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   strings.ToLower(name) + " [value]",
		Short: "Show or set the " + strings.ToLower(name),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				if len(args) == 1 {
					if err := set(s, ctx, args[0]); err != nil {
						return fail("Cannot set "+name, err)
					}
					success("%s set to %q", name, args[0])
					return nil
				}
				v, err := get(s, ctx)
				if err != nil {
					return fail("Cannot read "+name, err)
				}
				field(strings.ToLower(name), v)
				return nil
			})
		},
	}
}

var userDataCmd = &cobra.Command{
	Use:   "userdata [name=value ...]",
	Short: "Show or set user data stored with acquisitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseOptions(args)
		if err != nil {
			return fail("Invalid user data", err)
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if data.Len() > 0 {
				if err := s.SetUserData(ctx, data); err != nil {
					return fail("Cannot set user data", err)
				}
				success("user data set (%d items)", data.Len())
				return nil
			}
			got, err := s.UserData(ctx)
			if err != nil {
				return fail("Cannot read user data", err)
			}
			for _, it := range got.Items() {
				field(it.Name, it.Value)
			}
			return nil
		})
	},
}

var dataFolderCmd = &cobra.Command{
	Use:   "datafolder <path>",
	Short: "Select where the instrument writes results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if err := s.SetDataFolder(ctx, args[0], folderMode); err != nil {
				return fail("Cannot set data folder", err)
			}
			success("data folder set to %s (%s)", args[0], folderMode)
			return nil
		})
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&runOptions, "option", "o", nil, "protocol option name=value (repeatable, order kept)")
	estimateCmd.Flags().StringArrayVarP(&estimateOpts, "option", "o", nil, "protocol option name=value (repeatable, order kept)")
	dataFolderCmd.Flags().StringVar(&folderMode, "mode", message.FolderTimeStampTree, "TimeStampTree | TimeStamp | UserFolder")

	rootCmd.AddCommand(
		hardwareCmd,
		protocolsCmd,
		runCmd,
		estimateCmd,
		abortCmd,
		valueCmd("Solvent", (*session.Session).Solvent, (*session.Session).SetSolvent),
		valueCmd("Sample", (*session.Session).Sample, (*session.Session).SetSample),
		userDataCmd,
		dataFolderCmd,
	)
}
