package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/osprey-lang/ovum/ovm"
	"github.com/osprey-lang/ovum/vm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// runInteractive opens the module and starts the inspector TUI.
func runInteractive(machine *vm.VM, cfg *ovm.Config, startupFile string, programArgs []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("interactive mode requires a terminal")
	}

	argsInput := textinput.New()
	argsInput.Placeholder = "program arguments"
	argsInput.SetValue(strings.Join(programArgs, " "))

	m := &inspectorModel{
		machine:     machine,
		cfg:         cfg,
		filename:    startupFile,
		programArgs: programArgs,
		argsInput:   argsInput,
	}
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type inspectorEntry struct {
	label  string
	isType bool
	canRun bool
}

type inspectorModel struct {
	machine     *vm.VM
	cfg         *ovm.Config
	module      *vm.Module
	filename    string
	programArgs []string

	entries  []inspectorEntry
	selected int
	result   string
	err      error
	loaded   bool
	width    int
	height   int

	argsInput   textinput.Model
	editingArgs bool
}

type moduleLoadedMsg struct {
	module  *vm.Module
	entries []inspectorEntry
	err     error
}

type mainResultMsg struct {
	result string
	err    error
}

func (m *inspectorModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *inspectorModel) loadModule() tea.Msg {
	module, err := ovm.Open(m.machine, m.filename, m.cfg)
	if err != nil {
		return moduleLoadedMsg{err: err}
	}

	var entries []inspectorEntry
	for _, typ := range module.Types {
		label := typ.FullName.Go()
		if typ.BaseType != nil {
			label += " : " + typ.BaseType.FullName.Go()
		}
		label += fmt.Sprintf("  (%d members)", len(typ.Members()))
		entries = append(entries, inspectorEntry{label: label, isType: true})
	}
	for _, fn := range module.Functions {
		entries = append(entries, inspectorEntry{
			label:  describeFunction(fn),
			canRun: fn == module.MainMethod,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].isType && !entries[j].isType
	})

	return moduleLoadedMsg{module: module, entries: entries}
}

func describeFunction(fn *vm.Method) string {
	var b strings.Builder
	b.WriteString(fn.FullName())
	b.WriteByte('(')
	for i, o := range fn.Overloads {
		if i > 0 {
			b.WriteString(" | ")
		}
		for p := 0; p < o.ParamCount; p++ {
			if p > 0 {
				b.WriteString(", ")
			}
			if p < len(o.ParamNames) && o.ParamNames[p] != nil {
				b.WriteString(o.ParamNames[p].Go())
			} else {
				fmt.Fprintf(&b, "arg%d", p)
			}
		}
		if o.IsVariadic() {
			b.WriteString("...")
		}
	}
	b.WriteByte(')')
	return b.String()
}

func (m *inspectorModel) runMain() tea.Msg {
	if err := m.machine.CheckStandardTypes(); err != nil {
		return mainResultMsg{err: err}
	}
	result, err := m.machine.RunMain(m.module, m.programArgs)
	if err != nil {
		var thrown *vm.ThrownError
		if errors.As(err, &thrown) {
			return mainResultMsg{err: errors.New(m.machine.FormatUnhandledError(thrown))}
		}
		return mainResultMsg{err: err}
	}
	return mainResultMsg{result: describeValue(m.machine, result)}
}

func describeValue(machine *vm.VM, v vm.Value) string {
	switch v.Type {
	case nil:
		return "null"
	case machine.Types.Int:
		return fmt.Sprintf("%d", v.Int())
	case machine.Types.UInt:
		return fmt.Sprintf("%du", v.UInt())
	case machine.Types.Real:
		return fmt.Sprintf("%g", v.Real())
	case machine.Types.Boolean:
		if v.Bool() {
			return "true"
		}
		return "false"
	case machine.Types.String:
		return fmt.Sprintf("%q", v.Str.Go())
	default:
		return "<" + v.Type.FullName.Go() + ">"
	}
}

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case moduleLoadedMsg:
		m.module = msg.module
		m.entries = msg.entries
		m.err = msg.err
		m.loaded = msg.err == nil

	case mainResultMsg:
		if msg.err != nil {
			m.result = errorStyle.Render(msg.err.Error())
		} else {
			m.result = resultStyle.Render("Result: " + msg.result)
		}

	case tea.KeyMsg:
		if m.editingArgs {
			switch msg.String() {
			case "enter":
				m.programArgs = strings.Fields(m.argsInput.Value())
				m.editingArgs = false
				m.argsInput.Blur()
			case "esc":
				m.editingArgs = false
				m.argsInput.Blur()
			default:
				var cmd tea.Cmd
				m.argsInput, cmd = m.argsInput.Update(msg)
				return m, cmd
			}
			return m, nil
		}

		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.entries)-1 {
				m.selected++
			}
		case "a":
			m.editingArgs = true
			m.argsInput.Focus()
			return m, textinput.Blink
		case "enter", "r":
			if m.loaded && m.module.MainMethod != nil {
				return m, m.runMain
			}
		}
	}
	return m, nil
}

func (m *inspectorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ovum inspector — " + m.filename))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("q: quit"))
		return b.String()
	}
	if !m.loaded {
		b.WriteString("Loading module...\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("Module: %s  (types: %d, functions: %d, strings: %d)\n\n",
		m.module.Name.Go(), len(m.module.Types), len(m.module.Functions), len(m.module.Strings)))

	for i, e := range m.entries {
		style := funcStyle
		if e.isType {
			style = typeStyle
		}
		line := "  " + e.label
		if i == m.selected {
			line = selectedStyle.Render("> " + e.label)
		} else {
			line = style.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.editingArgs {
		b.WriteString("\nArguments: ")
		b.WriteString(m.argsInput.View())
		b.WriteString("\n")
	} else if len(m.programArgs) > 0 {
		b.WriteString("\nArguments: ")
		b.WriteString(strings.Join(m.programArgs, " "))
		b.WriteString("\n")
	}

	if m.result != "" {
		b.WriteString("\n")
		b.WriteString(m.result)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.module.MainMethod != nil {
		b.WriteString(helpStyle.Render("enter/r: run main · a: arguments · up/down: navigate · q: quit"))
	} else {
		b.WriteString(helpStyle.Render("up/down: navigate · q: quit"))
	}
	return b.String()
}
