// Package webdriver drives a W3C WebDriver server (geckodriver, chromedriver)
// that it launches and owns.
//
// Example:
//
//	driver, err := webdriver.StartDriver(exec.Command("geckodriver"), 4444)
//	if err != nil {
//		log.Fatal(err)
//	}
//	session, err := webdriver.NewSession(ctx, driver, caps, 4444)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
//	_ = session.SetURL(ctx, "https://example.com/")
//	ref, _ := session.FindElement(ctx, "html")
//	png, _ := session.ElementScreenshot(ctx, ref)
//
// A Session issues one blocking HTTP request per command and unwraps the
// {"value": ...} envelope of every response.
package webdriver
