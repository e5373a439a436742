// Package driver holds the declarative description of a target site and the
// page classification and extraction logic shared by the concrete drivers in
// httpdriver (colly) and browser (chromedp). Nothing here is specific to one
// site: selectors, URL templates, and challenge markers are configuration.
package driver
