package importer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/store"
)

type WebOptions struct {
	// Delay between requests to the same domain.
	Delay time.Duration
	// MaxDepth 1 reads only the start page; higher values follow links.
	MaxDepth       int
	AllowedDomains []string
	// SaveDir, when set, downloads every image and records its file name.
	SaveDir  string
	NAnswers int
	Limit    int
}

type webImage struct {
	url      string
	page     string
	filename string
}

// Web imports one task per image found on the page at start.
func (importer *Importer) Web(ctx context.Context, projectID int64, start string, opts WebOptions) (*Report, error) {
	if _, err := url.ParseRequestURI(start); err != nil {
		return nil, fmt.Errorf("importer: start url: %w", err)
	}

	images, err := collectImages(start, opts)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"project": projectID, "url": start, "images": len(images)}).Info("importing web images")

	report := &Report{}
	for _, image := range images {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		info := map[string]any{"url": image.url, "page": image.page}
		if image.filename != "" {
			info["filename"] = image.filename
		}
		importer.add(ctx, report, &store.Task{ProjectID: projectID, NAnswers: opts.NAnswers, Info: info}, image.url)
	}
	return report, nil
}

func collectImages(start string, opts WebOptions) ([]*webImage, error) {
	collector := colly.NewCollector(
		colly.MaxDepth(max(opts.MaxDepth, 1)),
		colly.AllowedDomains(opts.AllowedDomains...),
	)
	setupDelay(collector, opts.Delay)
	setupLogging(collector)

	var images []*webImage
	byURL := map[string]*webImage{}

	collector.OnHTML("img[src]", func(e *colly.HTMLElement) {
		src := e.Request.AbsoluteURL(e.Attr("src"))
		if src == "" || byURL[src] != nil || (opts.Limit > 0 && len(images) >= opts.Limit) {
			return
		}
		image := &webImage{url: src, page: e.Request.URL.String()}
		byURL[src] = image
		images = append(images, image)
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
			_ = e.Request.Visit(link)
		}
	})

	if opts.SaveDir != "" {
		collector.OnResponse(func(r *colly.Response) {
			image := byURL[r.Request.URL.String()]
			if image == nil || !isImage(r) {
				return
			}
			filename := sanitize(imageName(r.Request.URL))
			if err := r.Save(filepath.Join(opts.SaveDir, filename)); err != nil {
				logrus.WithError(err).WithField("url", image.url).Warn("saving image failed")
				return
			}
			image.filename = filename
		})
	}

	if err := collector.Visit(start); err != nil {
		return nil, fmt.Errorf("importer: visit %s: %w", start, err)
	}
	collector.Wait()

	if opts.SaveDir != "" {
		for _, image := range images {
			if err := collector.Visit(image.url); err != nil && !errors.Is(err, colly.ErrAlreadyVisited) {
				logrus.WithError(err).WithField("url", image.url).Warn("fetching image failed")
			}
		}
		collector.Wait()
	}
	return images, nil
}

func setupDelay(c *colly.Collector, delay time.Duration) {
	if delay <= 0 {
		return
	}
	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       delay,
		RandomDelay: delay / 2,
	})
}

func setupLogging(c *colly.Collector) {
	c.OnRequest(func(r *colly.Request) {
		logrus.WithField("url", r.URL.String()).Debug("visiting")
	})
	c.OnError(func(r *colly.Response, err error) {
		logrus.WithError(err).WithFields(logrus.Fields{"url": r.Request.URL.String(), "status": r.StatusCode}).Warn("request failed")
	})
}

func isImage(r *colly.Response) bool {
	return strings.HasPrefix(r.Headers.Get("Content-Type"), "image/")
}

func imageName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return u.Host
	}
	return name
}

func sanitize(filename string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`/\:*?"<>|`, r) {
			return '_'
		}
		return r
	}, filename)
}
