// Package cmdline builds regenie command lines from resolved job parameters.
package cmdline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/me/gowas/pkg/model"
)

// Program is the executable every command starts with.
const Program = "regenie"

// Shell and ShellFlag wrap a command string for execution by a batch backend.
const (
	Shell     = "/bin/bash"
	ShellFlag = "-c"
)

// bareWord matches values bash reads literally without quoting.
var bareWord = regexp.MustCompile(`^[A-Za-z0-9_./,:=+@%-]+$`)

// Quote returns v as a single bash word. Values made only of bare-word
// characters are returned unchanged.
func Quote(v string) string {
	if bareWord.MatchString(v) {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// args accumulates flag/value pairs, dropping pairs with empty values.
// Values are quoted for bash.
type args []string

func (a *args) add(flag, value string) {
	if value == "" {
		return
	}
	*a = append(*a, flag, Quote(value))
}

func (a *args) addInt(flag string, value, def int) {
	if value <= 0 {
		value = def
	}
	*a = append(*a, flag, strconv.Itoa(value))
}

func (a *args) addList(flag string, values []string) {
	if len(values) == 0 {
		return
	}
	a.add(flag, strings.Join(values, ","))
}

func (a *args) set(flag string, on bool) {
	if on {
		*a = append(*a, flag)
	}
}

func (a args) String() string {
	return strings.Join(a, " ")
}

// BuildStep1 returns the whole-genome model fit command.
func BuildStep1(p model.JobParameters) string {
	cmd := args{Program, "--step", "1"}
	addInput(&cmd, p)
	addPheno(&cmd, p)
	cmd.addInt("--bsize", p.BlockSize, model.DefaultBlockSize)
	cmd.addInt("--cv", p.CVFolds, model.DefaultCVFolds)
	cmd.set(traitFlag(p.TraitType), true)
	cmd.set("--lowmem", p.LowMem)
	cmd.addInt("--threads", p.Threads, model.DefaultThreads)
	cmd.add("--out", outPath(p))
	addCovar(&cmd, p)
	cmd.set("--gz", p.GzOutput)
	return cmd.String()
}

// BuildStep2 returns the per-chromosome association test command.
// p.OutPrefix is expected to carry the chromosome suffix already.
func BuildStep2(p model.JobParameters) string {
	cmd := args{Program, "--step", "2"}
	addInput(&cmd, p)
	addPheno(&cmd, p)
	cmd.add("--pred", p.PredictionFile)
	cmd.add("--chr", p.Chromosome)
	cmd.addInt("--bsize", p.BlockSize, model.DefaultBlockSize)
	cmd.addInt("--minMAC", p.MinMAC, model.DefaultMinMAC)
	cmd.set(traitFlag(p.TraitType), true)
	cmd.addInt("--threads", p.Threads, model.DefaultThreads)
	cmd.add("--out", outPath(p))
	addCovar(&cmd, p)
	cmd.set("--gz", p.GzOutput)
	return cmd.String()
}

// ShellCommand wraps cmd as a bash invocation.
func ShellCommand(cmd string) []string {
	return []string{Shell, ShellFlag, cmd}
}

func addInput(cmd *args, p model.JobParameters) {
	if p.FilePrefix == "" {
		return
	}
	base := dataFile(p, p.FilePrefix)
	switch p.DataFormat {
	case model.FormatPGEN:
		cmd.add("--pgen", base)
	case model.FormatBGEN:
		cmd.add("--bgen", base+".bgen")
		cmd.add("--sample", base+".sample")
	default:
		cmd.add("--bed", base)
	}
}

func addPheno(cmd *args, p model.JobParameters) {
	if p.PhenoFile != "" {
		cmd.add("--phenoFile", dataFile(p, p.PhenoFile))
	}
	cmd.addList("--phenoCol", p.PhenoColumns)
}

// addCovar appends the covariate group, which only applies with a covariate file.
func addCovar(cmd *args, p model.JobParameters) {
	if p.CovarFile == "" {
		return
	}
	cmd.add("--covarFile", dataFile(p, p.CovarFile))
	cmd.addList("--covarCol", p.CovarColumns)
	cmd.addList("--catCovarList", p.CatCovarColumns)
}

func traitFlag(t model.TraitType) string {
	if t == model.TraitBinary {
		return "--bt"
	}
	return "--qt"
}

func dataFile(p model.JobParameters, name string) string {
	return strings.TrimSuffix(p.ComputeDataPath, "/") + "/" + name
}

func outPath(p model.JobParameters) string {
	prefix := p.OutPrefix
	if prefix == "" {
		prefix = model.DefaultOutPrefix
	}
	return strings.TrimSuffix(p.ComputeOutputPath, "/") + "/" + prefix
}
