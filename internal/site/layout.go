// Package site knows the page structure of the backtesting site: where the
// login form, backtest dialog and result figures live, and how to read them.
package site

import (
	"github.com/t77yq/backtest-automator/internal/driver"
)

// ResultField maps a metric name to the element holding its value
type ResultField struct {
	Name    string         `mapstructure:"name"`
	Locator driver.Locator `mapstructure:"locator"`
	Integer bool           `mapstructure:"integer"`
}

// Layout holds every locator the site actions use
type Layout struct {
	BaseURL string `mapstructure:"base_url"`

	SignIn   driver.Locator `mapstructure:"sign_in"`
	Email    driver.Locator `mapstructure:"email"`
	Password driver.Locator `mapstructure:"password"`
	Submit   driver.Locator `mapstructure:"submit"`

	LoggedInMarkers  []driver.Locator `mapstructure:"logged_in_markers"`
	LoggedInURLHints []string         `mapstructure:"logged_in_url_hints"`
	AuthURLHints     []string         `mapstructure:"auth_url_hints"`

	NewBacktest driver.Locator `mapstructure:"new_backtest"`
	Modal       driver.Locator `mapstructure:"modal"`
	RunButton   driver.Locator `mapstructure:"run_button"`
	Running     driver.Locator `mapstructure:"running"`
	Completion  driver.Locator `mapstructure:"completion"`
	ErrorBanner driver.Locator `mapstructure:"error_banner"`

	Results []ResultField `mapstructure:"results"`
}

func resultField(name, label string) ResultField {
	return ResultField{Name: name, Locator: driver.L("dt:has-text('" + label + "') ~ dd")}
}

// DefaultLayout returns the locators of the live site
func DefaultLayout() Layout {
	return Layout{
		BaseURL: "https://optionomega.com/",

		SignIn:   driver.L("span.btn-primary, text=Sign in"),
		Email:    driver.L("input[type='email']"),
		Password: driver.L("input[type='password']"),
		Submit:   driver.L("form button[type='submit']"),

		LoggedInMarkers:  []driver.Locator{driver.L("text=Sign out"), driver.L("text=Dashboard")},
		LoggedInURLHints: []string{"dashboard", "app."},
		AuthURLHints:     []string{"/login", "/sign_in", "/signin", "/auth"},

		NewBacktest: driver.L("button:has-text('New Backtest')"),
		Modal:       driver.L("[id^='headlessui-dialog'], [role='dialog']"),
		RunButton:   driver.L("button:has-text('Run')"),
		Running:     driver.L("text=Running Backtest"),
		Completion:  driver.L("dt:has-text('CAGR')"),
		ErrorBanner: driver.L("[role='alert'], .toast-error, text=Something went wrong"),

		Results: []ResultField{
			resultField("pl", "P/L"),
			resultField("cagr", "CAGR"),
			resultField("max_drawdown", "Max Drawdown"),
			resultField("mar", "MAR Ratio"),
			resultField("win_percentage", "Win Percentage"),
			resultField("total_premium", "Total Premium"),
			resultField("capture_rate", "Capture Rate"),
			resultField("starting_capital", "Starting Capital"),
			resultField("ending_capital", "Ending Capital"),
			{Name: "total_trades", Locator: driver.L("div:has(dt:text-is('Trades')) dd"), Integer: true},
			{Name: "winners", Locator: driver.L("dt:has-text('Winners') ~ dd"), Integer: true},
			resultField("avg_per_trade", "Avg Per Trade"),
			resultField("avg_winner", "Avg Winner"),
			resultField("avg_loser", "Avg Loser"),
			resultField("max_winner", "Max Winner"),
			resultField("max_loser", "Max Loser"),
			resultField("avg_minutes_in_trade", "Avg Minutes In Trade"),
		},
	}
}
