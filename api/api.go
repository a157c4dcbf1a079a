package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/sittitep/tradetalk/store"
)

type Config struct {
	Secret         []byte
	AllowedOrigins []string
}

// Api is the REST collaborator of the live channel: the durability
// source of truth for messages, receipts and notifications.
type Api struct {
	router        chi.Router
	chats         store.ChatStore
	notifications store.NotificationStore
	config        Config
}

func New(chats store.ChatStore, notifications store.NotificationStore, config Config) *Api {
	a := &Api{
		router:        chi.NewRouter(),
		chats:         chats,
		notifications: notifications,
		config:        config,
	}
	a.mountHandlers()
	return a
}

func (a *Api) Handler() http.Handler {
	return a.router
}

func (a *Api) mountHandlers() {
	origins := a.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	a.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	}))
	a.router.Use(jwtMiddleware(a.config.Secret))

	a.router.Route("/rooms/{roomID}", func(r chi.Router) {
		r.Get("/messages", a.getRoomMessages)
		r.Post("/messages", a.createMessage)
	})

	a.router.Route("/messages/{messageID}", func(r chi.Router) {
		r.Put("/", a.updateMessage)
		r.Delete("/", a.deleteMessage)
		r.Post("/pin", a.pinMessage)
		r.Delete("/pin", a.unpinMessage)
		r.Post("/reactions", a.addReaction)
		r.Delete("/reactions/{emoji}", a.removeReaction)
		r.Post("/receipts", a.createReceipt)
		r.Get("/receipts", a.getReceipts)
	})

	a.router.Get("/notifications", a.getNotifications)
}
