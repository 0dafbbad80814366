package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"episodelog/internal/svc"
)

func RegisterHandlers(server *rest.Server, serverCtx *svc.ServiceContext) {
	server.AddRoutes(Routes(serverCtx), rest.WithPrefix("/api"))
}

// Routes lists the API routes relative to the /api prefix.
func Routes(serverCtx *svc.ServiceContext) []rest.Route {
	return []rest.Route{
		{Method: http.MethodGet, Path: "/status", Handler: StatusHandler(serverCtx)},
		{Method: http.MethodPost, Path: "/subjects/:subject", Handler: JoinSubjectHandler(serverCtx)},
		{Method: http.MethodDelete, Path: "/subjects/:subject", Handler: LeaveSubjectHandler(serverCtx)},
		{Method: http.MethodPost, Path: "/events/:subject/:type", Handler: EventHandler(serverCtx)},
		{Method: http.MethodGet, Path: "/frames/:subject", Handler: GetFrameHandler(serverCtx)},
		{Method: http.MethodPut, Path: "/frames/:subject", Handler: UpdateFrameHandler(serverCtx)},
		{Method: http.MethodGet, Path: "/episodes", Handler: ListEpisodesHandler(serverCtx)},
		{Method: http.MethodPost, Path: "/episodes/:subject/end", Handler: EndEpisodeHandler(serverCtx)},
	}
}
