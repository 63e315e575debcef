package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Spinner reports the progress of a long operation on stderr.
// It only spins when stderr is a terminal, otherwise the final messages are printed as plain lines.
type Spinner struct {
	spinner *spinner.Spinner
	out     io.Writer
	msg     string
}

// NewSpinner creates and starts a new spinner with the given message.
func NewSpinner(msg string) *Spinner {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return newPlainSpinner(os.Stderr, msg)
	}

	s := &Spinner{
		spinner: spinner.New(
			spinner.CharSets[14],
			200*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(os.Stderr),
			spinner.WithSuffix(" "+msg),
		),
		out: os.Stderr,
		msg: msg,
	}
	s.spinner.Start()
	return s
}

func newPlainSpinner(out io.Writer, msg string) *Spinner {
	return &Spinner{out: out, msg: msg}
}

// UpdateMessage updates the spinner message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	if s.spinner != nil {
		s.spinner.Suffix = " " + msg
	}
	s.msg = msg
}

// Success stops the spinner and prints a success message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Success(msg ...string) {
	s.stop(color.HiGreenString("✓"), msg)
}

// Warn stops the spinner and prints a warning message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Warn(msg ...string) {
	s.stop(color.HiYellowString("!"), msg)
}

// Fail stops the spinner and prints a failure message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Fail(msg ...string) {
	s.stop(color.HiRedString("✗"), msg)
}

func (s *Spinner) stop(symbol string, msg []string) {
	if s == nil {
		return
	}
	if len(msg) == 0 {
		msg = []string{s.msg}
	}

	final := fmt.Sprintf("%s %s\n", symbol, msg[0])
	if s.spinner == nil {
		fmt.Fprint(s.out, final)
		return
	}
	s.spinner.FinalMSG = final
	s.spinner.Stop()
}
