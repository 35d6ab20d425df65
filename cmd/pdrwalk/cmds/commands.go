package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pdrwalk/pdrwalk/pkg/config"
	"github.com/pdrwalk/pdrwalk/pkg/logflags"
	"github.com/pdrwalk/pdrwalk/pkg/proc"
	"github.com/pdrwalk/pdrwalk/pkg/snapshot"
	"github.com/pdrwalk/pdrwalk/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile overrides the default configuration file.
	configFile string

	// staticBase is the relocation applied to the image read by dump, lookup and funcs.
	staticBase addrValue
	// abi and byteOrder override the configuration for unwind.
	abi       string
	byteOrder string
	// stackDepth overrides max-stack-depth when not negative.
	stackDepth int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
	// stdout is the default output of every command.
	stdout = colorable.NewColorableStdout()

	conf *config.Config
)

const pdrwalkCommandLongDesc = `pdrwalk reconstructs call stacks of MIPS programs using the procedure
descriptors found in the .pdr section of their ELF images.

It can list and query the descriptors of an image and unwind the stack of a
thread from a snapshot of its registers and memory.`

const (
	colorFunc  = "\x1b[34m"
	colorReset = "\x1b[0m"
)

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()
	staticBase = 0

	rootCommand = &cobra.Command{
		Use:           "pdrwalk",
		Short:         "pdrwalk is a stack unwinder for MIPS procedure descriptors.",
		Long:          pdrwalkCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				c, err := config.LoadConfigFile(configFile)
				if err != nil {
					return err
				}
				conf = c
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}
	rootCommand.SetOut(stdout)

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (pdr, unwind, symtab).`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Read the configuration from this file instead of ~/.pdrwalk/config.yml.")

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <image>",
		Short: "Lists the procedure descriptors of an image.",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpCmd,
	}
	dumpCommand.Flags().Var(&staticBase, "base", "Address the image is loaded at.")
	rootCommand.AddCommand(dumpCommand)

	// 'lookup' subcommand.
	lookupCommand := &cobra.Command{
		Use:   "lookup <image> <pc>...",
		Short: "Finds the procedure descriptor used to unwind a frame stopped at pc.",
		Long: `Finds the procedure descriptor used to unwind a frame stopped at each pc.

Descriptors are validated against the symbol table of the image the same
way unwind does: a descriptor is only used if it starts inside the function
containing pc.`,
		Args: cobra.MinimumNArgs(2),
		RunE: lookupCmd,
	}
	lookupCommand.Flags().Var(&staticBase, "base", "Address the image is loaded at.")
	rootCommand.AddCommand(lookupCommand)

	// 'funcs' subcommand.
	funcsCommand := &cobra.Command{
		Use:   "funcs <image> [prefix]",
		Short: "Lists the functions of an image.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  funcsCmd,
	}
	funcsCommand.Flags().Var(&staticBase, "base", "Address the image is loaded at.")
	rootCommand.AddCommand(funcsCommand)

	// 'unwind' subcommand.
	unwindCommand := &cobra.Command{
		Use:   "unwind <snapshot>",
		Short: "Prints the stack trace of a thread snapshot.",
		Long: `Prints the stack trace of a thread from a YAML snapshot of its registers
and memory. The images named by the snapshot are searched in the
debug-info-directories of the configuration when they are not found at
the recorded path.`,
		Args: cobra.ExactArgs(1),
		RunE: unwindCmd,
	}
	unwindCommand.Flags().StringVar(&abi, "abi", "", "MIPS ABI of the snapshot, if it does not specify one.")
	unwindCommand.Flags().StringVar(&byteOrder, "byte-order", "", "Byte order of the snapshot, if it does not specify one.")
	unwindCommand.Flags().IntVar(&stackDepth, "depth", -1, "Maximum stack depth.")
	rootCommand.AddCommand(unwindCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pdrwalk\n%s\n", version.PdrwalkVersion)
			if log {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func useColor(out io.Writer) bool {
	switch strings.ToLower(conf.Color) {
	case "always":
		return true
	case "never":
		return false
	}
	return out == stdout && isatty.IsTerminal(os.Stdout.Fd())
}

// addrValue is a pflag.Value holding an address.
type addrValue uint64

var _ pflag.Value = (*addrValue)(nil)

func (a *addrValue) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

func (a *addrValue) Set(s string) error {
	v, err := parseAddr(s)
	if err != nil {
		return err
	}
	*a = addrValue(v)
	return nil
}

func (a *addrValue) Type() string {
	return "address"
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

func loadImage(path string) (*proc.ImageRegistry, *proc.Image, error) {
	img, err := proc.LoadImageElf(path, uint64(staticBase))
	if err != nil {
		return nil, nil, err
	}
	reg := proc.NewImageRegistry()
	reg.Add(img)
	return reg, img, nil
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	reg, img, err := loadImage(args[0])
	if err != nil {
		return err
	}
	dumpImage(cmd.OutOrStdout(), reg, img)
	return nil
}

func dumpImage(out io.Writer, reg *proc.ImageRegistry, img *proc.Image) {
	color := useColor(out)
	for _, d := range reg.Table(img) {
		name := "?"
		if fn := img.Symbols.PCToFunc(d.Start()); fn != nil {
			name = fn.Name
		}
		if color {
			name = colorFunc + name + colorReset
		}
		fmt.Fprintf(out, "%s %s\n", d, name)
	}
}

func lookupCmd(cmd *cobra.Command, args []string) error {
	reg, _, err := loadImage(args[0])
	if err != nil {
		return err
	}
	pcs := make([]uint64, 0, len(args)-1)
	for _, arg := range args[1:] {
		pc, err := parseAddr(arg)
		if err != nil {
			return err
		}
		pcs = append(pcs, pc)
	}
	lookupPCs(cmd.OutOrStdout(), reg, pcs)
	return nil
}

func lookupPCs(out io.Writer, reg *proc.ImageRegistry, pcs []uint64) {
	resolver := proc.NewResolver(reg, reg, conf.PCCacheSize)
	color := useColor(out)
	for _, pc := range pcs {
		pd, err := resolver.Resolve(pc)
		if err != nil {
			fmt.Fprintf(out, "%#x: %v\n", pc, err)
			continue
		}
		name := "?"
		if pd.Fn != nil {
			name = pd.Fn.Name
		}
		if color {
			name = colorFunc + name + colorReset
		}
		fmt.Fprintf(out, "%#x: %s, %s\n", pc, name, pd.Descriptor)
	}
}

func funcsCmd(cmd *cobra.Command, args []string) error {
	_, img, err := loadImage(args[0])
	if err != nil {
		return err
	}
	prefix := ""
	if len(args) > 1 {
		prefix = args[1]
	}
	listFuncs(cmd.OutOrStdout(), img.Symbols, prefix)
	return nil
}

func listFuncs(out io.Writer, symtab *proc.Symtab, prefix string) {
	for _, name := range symtab.FuncsWithPrefix(prefix) {
		fn := symtab.LookupFunc(name)
		fmt.Fprintf(out, "%#x %s\n", fn.Entry, name)
	}
}

func unwindCmd(cmd *cobra.Command, args []string) error {
	snap, err := snapshot.Load(args[0])
	if err != nil {
		return err
	}
	defABI, defOrder := conf.ABI, conf.ByteOrder
	if abi != "" {
		defABI = abi
	}
	if byteOrder != "" {
		defOrder = byteOrder
	}
	arch, err := snap.Arch(defABI, defOrder)
	if err != nil {
		return err
	}
	reg := proc.NewImageRegistry()
	for _, ref := range snap.Images {
		path, err := ref.Locate(conf.DebugInfoDirectories)
		if err != nil {
			return err
		}
		img, err := proc.LoadImageElf(path, uint64(ref.Base))
		if err != nil {
			return err
		}
		reg.Add(img)
	}
	depth := conf.StackDepth()
	if stackDepth >= 0 {
		depth = stackDepth
	}
	return unwindSnapshot(cmd.OutOrStdout(), snap, arch, reg, depth)
}

func unwindSnapshot(out io.Writer, snap *snapshot.Snapshot, arch *proc.Arch, reg *proc.ImageRegistry, depth int) error {
	regs, err := snap.RegisterSet(arch)
	if err != nil {
		return err
	}
	resolver := proc.NewResolver(reg, reg, conf.PCCacheSize)
	chain := proc.NewUnwindChain(arch)
	proc.AppendMdebugUnwinder(chain, proc.NewMdebugUnwinder(arch, resolver, proc.NewMIPSPrologueScanner(arch, snap)))

	frames, err := proc.Stacktrace(chain, snap, regs, reg, depth)
	printStack(out, arch, frames, useColor(out))
	var nu *proc.ErrNoUnwinder
	if errors.As(err, &nu) {
		return fmt.Errorf("no procedure descriptor for the innermost frame: %w", err)
	}
	return err
}

func printStack(out io.Writer, arch *proc.Arch, frames []proc.Stackframe, color bool) {
	width := 2 * arch.RegSize()
	for _, frame := range frames {
		name := "?"
		if frame.Fn != nil {
			name = frame.Fn.Name
		}
		if color {
			name = colorFunc + name + colorReset
		}
		fmt.Fprintf(out, "%2d  %#0*x in %s\n", frame.Level, width, frame.PC, name)
		if frame.FrameBase != 0 {
			fmt.Fprintf(out, "    frame base %#x (%s)\n", frame.FrameBase, frame.Unwinder)
		}
	}
}
