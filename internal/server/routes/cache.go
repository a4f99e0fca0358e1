package routes

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/hub-mirror/internal/cachestats"
)

const maxRepoLimit = 1000

// RegisterCacheRoutes 暴露只读的缓存统计与检索接口：
//
//	GET /-/cache-stats
//	GET /-/cache-repos?kind=&sort=size|last_access|name&order=asc|desc&limit=
//	GET /-/cache-search?query=&kind=
//	GET /-/cache-repos/:kind/:org/:name   (根级仓库的 org 写作 "_")
func RegisterCacheRoutes(app *fiber.App, stats *cachestats.Service) {
	if app == nil || stats == nil {
		return
	}

	app.Get("/-/cache-stats", func(c fiber.Ctx) error {
		return c.JSON(stats.Overview())
	})

	app.Get("/-/cache-repos", func(c fiber.Ctx) error {
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			return badRequest(c, "invalid_limit")
		}
		repos, err := stats.Repos(cachestats.RepoQuery{
			Kind:  c.Query("kind"),
			Sort:  c.Query("sort"),
			Order: c.Query("order"),
			Limit: limit,
		})
		if err != nil {
			return badRequest(c, "invalid_query")
		}
		return c.JSON(fiber.Map{"repos": nonNil(repos), "count": len(repos)})
	})

	app.Get("/-/cache-search", func(c fiber.Ctx) error {
		query := strings.TrimSpace(c.Query("query"))
		if query == "" {
			return badRequest(c, "query_required")
		}
		repos, err := stats.Search(query, c.Query("kind"))
		if err != nil {
			return badRequest(c, "invalid_query")
		}
		return c.JSON(fiber.Map{"query": query, "repos": nonNil(repos), "count": len(repos)})
	})

	app.Get("/-/cache-repos/:kind/:org/:name", func(c fiber.Ctx) error {
		detail, err := stats.Repo(c.Params("kind"), c.Params("org"), c.Params("name"))
		switch {
		case errors.Is(err, cachestats.ErrRepoNotCached):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repo_not_cached"})
		case err != nil:
			return badRequest(c, "invalid_kind")
		}
		return c.JSON(detail)
	})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	if n > maxRepoLimit {
		n = maxRepoLimit
	}
	return n, nil
}

func nonNil(repos []cachestats.RepoSummary) []cachestats.RepoSummary {
	if repos == nil {
		return []cachestats.RepoSummary{}
	}
	return repos
}

func badRequest(c fiber.Ctx, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code})
}
