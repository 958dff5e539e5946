// Package prompt isolates interactive questions behind Decider so the
// pipeline can run unattended or under test.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Decider answers the launcher's interactive questions.
type Decider interface {
	// Choose returns the 0-based index of the selected option. def is the
	// index used on empty input.
	Choose(question string, options []string, def int) (int, error)
	Confirm(question string, def bool) (bool, error)
}

// Stdin asks on a terminal.
type Stdin struct {
	in  *bufio.Reader
	out io.Writer
}

func NewStdin() *Stdin { return NewStdinWith(os.Stdin, os.Stdout) }

func NewStdinWith(in io.Reader, out io.Writer) *Stdin {
	return &Stdin{in: bufio.NewReader(in), out: out}
}

func (s *Stdin) readLine() (string, error) {
	line, err := s.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *Stdin) Choose(question string, options []string, def int) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("no options to choose from")
	}
	fmt.Fprintln(s.out, question)
	for i, o := range options {
		fmt.Fprintf(s.out, "  %d) %s\n", i+1, o)
	}
	for attempt := 0; attempt < 3; attempt++ {
		fmt.Fprintf(s.out, "Select [%d]: ", def+1)
		line, err := s.readLine()
		if err != nil {
			return def, err
		}
		if line == "" {
			return def, nil
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintf(s.out, "Please enter a number between 1 and %d.\n", len(options))
	}
	return def, fmt.Errorf("no valid selection after 3 attempts")
}

func (s *Stdin) Confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(s.out, "%s [%s]: ", question, hint)
	line, err := s.readLine()
	if err != nil {
		return def, err
	}
	switch strings.ToLower(line) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid response %q", line)
}

// Unattended answers every question with its default.
type Unattended struct{}

func (Unattended) Choose(_ string, options []string, def int) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("no options to choose from")
	}
	return def, nil
}

func (Unattended) Confirm(_ string, def bool) (bool, error) { return def, nil }

// Scripted replays canned answers in order and records the questions asked.
type Scripted struct {
	Choices  []int
	Confirms []bool
	Asked    []string
}

func (s *Scripted) Choose(question string, options []string, def int) (int, error) {
	s.Asked = append(s.Asked, question)
	if len(s.Choices) == 0 {
		return def, nil
	}
	c := s.Choices[0]
	s.Choices = s.Choices[1:]
	if c < 0 || c >= len(options) {
		return def, fmt.Errorf("scripted choice %d out of range", c)
	}
	return c, nil
}

func (s *Scripted) Confirm(question string, def bool) (bool, error) {
	s.Asked = append(s.Asked, question)
	if len(s.Confirms) == 0 {
		return def, nil
	}
	c := s.Confirms[0]
	s.Confirms = s.Confirms[1:]
	return c, nil
}
