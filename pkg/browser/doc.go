// Package browser provides remote browser sessions for geoprobe.
//
// The rest of the pipeline only ever sees the narrow Session capability set:
// Navigate, Evaluate and Close. browsertest provides an in-memory version.
//
// # Architecture
//
// The package is built around three core concepts:
//
// 1. Provider: attaches to a remote browser over CDP (Playwright or Rod)
// 2. Session: one page in one remote browser, owned by a single request
// 3. SessionManager: tracks live sessions, enforces the concurrency cap and
// creation rate, and force-closes leftovers on shutdown
//
// # Session Lifecycle
//
//  1. Acquire: SessionManager.Acquire builds the provider connect URL and attaches
//  2. Use: the query engine navigates and evaluates scripts on the page
//  3. Release: Close runs the provider teardown exactly once, however often it is called
//  4. Shutdown: CloseAll closes anything a caller leaked
//
// # Remote endpoint
//
// Sessions are created by connecting to a hosted browser endpoint, e.g.
//
//	wss://browser.scrapeless.com/api/v2/browser?token=...&sessionName=...&sessionTTL=180&proxyCountry=US&sessionRecording=false
//
// The API token is redacted from every error and log line.
//
// # Example Usage
//
//	provider := browser.NewPlaywrightProvider(browser.Endpoint{URL: wsURL, APIKey: key})
//	manager := browser.NewSessionManager(provider, browser.Limits{MaxSessions: 4})
//
//	session, err := manager.Acquire(ctx, browser.SessionOptions{
//	    Name:         "ChatGPT Query",
//	    ProxyCountry: "US",
//	})
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	err = session.Navigate(ctx, "https://chatgpt.com/")
//	title, err := session.Evaluate(ctx, "() => document.title")
package browser
