package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/storage/sqlite"
)

type GroupsCommand struct {
	Show   string `long:"show" description:"Print the steps of one group"`
	Delete string `long:"delete" description:"Remove a group from the library"`
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableNameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func (c *GroupsCommand) Execute(args []string) error {
	ctx := context.Background()
	lib, err := sqlite.Open(opts.DB)
	if err != nil {
		return fmt.Errorf("open action library: %w", err)
	}
	defer lib.Close()

	switch {
	case c.Delete != "":
		if err := lib.Delete(ctx, c.Delete); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", c.Delete)
		return nil
	case c.Show != "":
		seq, err := lib.Load(ctx, c.Show)
		if err != nil {
			return err
		}
		fmt.Println(renderSteps(seq))
		return nil
	}

	names, err := lib.List(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No action groups in %s\n", opts.DB)
		return nil
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		seq, err := lib.Load(ctx, name)
		if err != nil {
			return err
		}
		servos := seq.Servos()
		ids := make([]string, len(servos))
		for i, id := range servos {
			ids[i] = string(id)
		}
		rows = append(rows, []string{
			name,
			fmt.Sprintf("%d", len(seq)),
			strings.Join(ids, ", "),
			seq.Duration().String(),
		})
	}
	fmt.Println(renderTable([]string{"Group", "Frames", "Servos", "Duration"}, rows))
	return nil
}

func renderSteps(seq motion.Sequence) string {
	steps := seq.Steps()
	rows := make([][]string, 0, len(steps))
	for _, st := range steps {
		rows = append(rows, []string{
			string(st.Servo),
			fmt.Sprintf("%.1f", st.Angle),
			fmt.Sprintf("%.3f", st.Delay),
		})
	}
	return renderTable([]string{"Servo", "Angle", "Delay"}, rows)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case col == 0:
				return tableNameStyle
			default:
				return tableCellStyle
			}
		}).
		Render()
}
