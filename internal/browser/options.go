// Package browser owns the chromedp instance used to read X timelines.
package browser

import "github.com/chromedp/chromedp"

// DefaultUserAgent is sent when crawl.user_agent is unset.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const (
	windowWidth  = 1920
	windowHeight = 1080
)

// stealthFlags strip the command-line tells of an automated Chrome.
// AutomationControlled is what sets navigator.webdriver, which X checks.
var stealthFlags = []struct {
	name  string
	value any
}{
	{"disable-blink-features", "AutomationControlled"},
	{"disable-extensions", true},
	{"disable-default-apps", true},
	{"disable-infobars", true},
	{"no-first-run", true},
	{"no-default-browser-check", true},
}

// allocatorOptions builds the exec allocator options for o. The page-level
// half of the stealth setup is injected by Open.
func allocatorOptions(o SessionOptions) []chromedp.ExecAllocatorOption {
	ua := o.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+len(stealthFlags)+4)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", o.Headless),
		chromedp.UserAgent(ua),
		chromedp.WindowSize(windowWidth, windowHeight),
	)
	for _, f := range stealthFlags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if o.Headless {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	return opts
}
