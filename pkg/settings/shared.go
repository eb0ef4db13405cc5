package settings

// Optimization levels accepted by opt_level.
const (
	OptNone         = "none"
	OptSpeed        = "speed"
	OptSpeedAndSize = "speed_and_size"
)

// SharedTemplate declares the flags that apply to every target.
var SharedTemplate = &Template{
	Name: "shared",
	Settings: []Setting{
		{Name: "opt_level", Kind: Enum, Default: OptNone, Values: []string{OptNone, OptSpeed, OptSpeedAndSize},
			Description: "Optimization level; the baseline compiler accepts every level and ignores it."},
		{Name: "enable_verifier", Kind: Bool, Default: "true",
			Description: "Type-check function bodies with the inline validator while compiling."},
		{Name: "avoid_div_traps", Kind: Bool, Default: "false",
			Description: "Emit explicit divisor checks instead of relying on a faulting divide instruction."},
		{Name: "preserve_frame_pointers", Kind: Bool, Default: "true",
			Description: "Keep a frame pointer chain in every function."},
		{Name: "unwind_info", Kind: Bool, Default: "true",
			Description: "Generate unwind information."},
		{Name: "enable_nan_canonicalization", Kind: Bool, Default: "false",
			Description: "Canonicalize NaN results of float arithmetic."},
	},
}

// NewSharedBuilder returns a builder for the shared flags.
func NewSharedBuilder() *Builder { return NewBuilder(SharedTemplate) }

// Shared wraps frozen shared flags with typed accessors.
type Shared struct{ Flags }

// Typed accessors.
func (s Shared) OptLevel() string            { return s.Enum("opt_level") }
func (s Shared) EnableVerifier() bool        { return s.Bool("enable_verifier") }
func (s Shared) AvoidDivTraps() bool         { return s.Bool("avoid_div_traps") }
func (s Shared) PreserveFramePointers() bool { return s.Bool("preserve_frame_pointers") }
func (s Shared) UnwindInfo() bool            { return s.Bool("unwind_info") }
func (s Shared) NaNCanonicalization() bool   { return s.Bool("enable_nan_canonicalization") }

// DefaultShared is the shared flag set with every default.
func DefaultShared() Shared { return Shared{NewSharedBuilder().Finish()} }
