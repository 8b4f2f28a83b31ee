package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"rarecandy/internal/economy"
	"rarecandy/internal/reward"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
	lucky       = color.New(color.FgMagenta, color.Bold)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// promptChoice matches case-insensitively and returns the option as listed.
func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]string, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = opt
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if opt, ok := normalized[text]; ok {
			return opt, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func promptInt(label string, min int) (int, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(text)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderProfile(p economy.Profile) {
	accent.Printf("%s\n", p.Username)
	fmt.Printf("  Rare candy   %s\n", colorizeBalance(p.Balance))
	fmt.Printf("  Per click    %s\n", reward.ManualReward(p.Levels, len(p.OwnedItems), nil).String())
	fmt.Printf("  Per second   %s\n", reward.TickReward(p.Levels, len(p.OwnedItems)).String())
	fmt.Printf("  Items owned  %d\n", len(p.OwnedItems))
	fmt.Println()

	accent.Println("Upgrades")
	for _, kind := range reward.Kinds {
		level := p.Levels.Level(kind)
		cost, err := reward.UpgradeCost(kind, level)
		if err != nil {
			continue
		}
		price := reward.FormatCompact(cost, false)
		if p.Balance.LessThan(cost) {
			price = danger.Sprint(price)
		} else {
			price = success.Sprint(price)
		}
		fmt.Printf("  %-20s lvl %-4d next %s\n", kind, level, price)
	}
	next := nextItem(p)
	cost, _ := reward.ItemCost(next)
	fmt.Println()
	fmt.Printf("Next item #%d costs %s\n", next, reward.FormatCompact(cost, false))
}

func colorizeBalance(d decimal.Decimal) string {
	text := reward.FormatCompact(d, true)
	if d.IsNegative() {
		return danger.Sprint(text)
	}
	return success.Sprint(text)
}

// nextItem is the lowest item id the player does not own yet.
func nextItem(p economy.Profile) int {
	for id := 1; ; id++ {
		if !p.Owns(id) {
			return id
		}
	}
}
