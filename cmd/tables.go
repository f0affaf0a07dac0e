package cmd

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// printTable renders rows with display-width-aware column padding, so model
// descriptions and skill ids with wide runes still line up.
func printTable(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && runewidth.StringWidth(cell) > widths[i] {
				widths[i] = runewidth.StringWidth(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		return "  " + strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Println(line(header))
	underline := make([]string, len(header))
	for i := range header {
		underline[i] = strings.Repeat("-", widths[i])
	}
	fmt.Println(line(underline))
	for _, row := range rows {
		fmt.Println(line(row))
	}
}
