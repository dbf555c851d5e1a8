package session

import "time"

// Config describes the provider's web surface. Paths, markers and selectors
// default to the support-panel layout the provider has served for years,
// but every one of them is configurable because the provider changes page
// shapes without notice.
type Config struct {
	// BaseURL is the root of the provider's support panel.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// LoginPath serves the login surface and receives every protocol POST.
	LoginPath string `yaml:"login_path"`

	// ContractPath serves the contract list.
	ContractPath string `yaml:"contract_path"`

	// CaptchaImagePath serves the challenge image for the held session.
	CaptchaImagePath string `yaml:"captcha_image_path"`

	// UserAgent is sent on every request. The provider serves a reduced
	// page to unknown agents.
	UserAgent string `yaml:"user_agent"`

	// Timeout bounds every single HTTP call.
	Timeout time.Duration `yaml:"timeout"`

	// Markers are the response-body fragments the client classifies on.
	Markers Markers `yaml:"markers"`

	// Selectors are the CSS selectors used to scrape pages.
	Selectors Selectors `yaml:"selectors"`
}

// Markers are provider-specific body fragments. Classification runs on the
// body shape, never on status codes: the provider answers HTTP 200 for
// expired sessions and failed logins alike.
type Markers struct {
	// LoginSuccess fragments indicate an authenticated page. Any match
	// counts.
	LoginSuccess []string `yaml:"login_success"`

	// CaptchaPrompt indicates the login page demands a captcha answer.
	CaptchaPrompt string `yaml:"captcha_prompt"`

	// TwoFactorPrompt indicates a one-time code is required.
	TwoFactorPrompt string `yaml:"two_factor_prompt"`

	// NotYetDue marks a contract row whose renewal window has not opened.
	NotYetDue string `yaml:"not_yet_due"`

	// RenewalConfirmed indicates the final confirmation page. Matched
	// case-insensitively.
	RenewalConfirmed string `yaml:"renewal_confirmed"`
}

// Selectors locate protocol elements in scraped pages.
type Selectors struct {
	// SessionField is the name of the hidden input carrying the session
	// identifier.
	SessionField string `yaml:"session_field"`

	// LoginForm detects the login surface, which the provider serves in
	// place of any page once a session expires.
	LoginForm string `yaml:"login_form"`

	// ContractRows selects the contract table rows.
	ContractRows string `yaml:"contract_rows"`

	// ContractID selects the order-number cell within a row.
	ContractID string `yaml:"contract_id"`

	// ContractAction selects the renewal-action cell within a row.
	ContractAction string `yaml:"contract_action"`
}

// DefaultConfig returns the client configuration for the provider's current
// support-panel layout.
func DefaultConfig() Config {
	return Config{
		LoginPath:        "/index.iphp",
		ContractPath:     "/customer_contract.php",
		CaptchaImagePath: "/securimage_show.php",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) " +
			"Chrome/95.0.4638.69 Safari/537.36",
		Timeout: 30 * time.Second,
		Markers: Markers{
			LoginSuccess:     []string{"Hello", "Confirm or change your customer data here"},
			CaptchaPrompt:    "solve the following captcha",
			TwoFactorPrompt:  "one-time password",
			NotYetDue:        "Contract extension possible from",
			RenewalConfirmed: "renewal was successful",
		},
		Selectors: Selectors{
			SessionField:   "sess_id",
			LoginForm:      "form[name=login]",
			ContractRows:   "#kc2_order_customer_orders_tab_content_1 .kc2_order_table.kc2_content_table tr",
			ContractID:     ".td-z1-sp1-kc",
			ContractAction: ".td-z1-sp2-kc .kc2_order_action_container",
		},
	}
}
