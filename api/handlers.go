package api

import (
	"chat-relay/domain"
	"chat-relay/repositories"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type pageQuery struct {
	Size   *int `form:"size" binding:"omitempty,min=1,max=200"`
	Offset *int `form:"offset" binding:"omitempty,min=0"`
}

type lastSeenResponse struct {
	Username string  `json:"username"`
	Online   bool    `json:"online"`
	LastSeen *uint64 `json:"last_seen"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// getMessages returns one page of the conversation between the caller and :username, newest first.
func (s *Server) getMessages(c *gin.Context) {
	identity := c.GetString(identityKey)
	var query pageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := s.messages.GetConversation(identity, c.Param("username"),
		lo.FromPtrOr(query.Size, s.pageSize), lo.FromPtrOr(query.Offset, 0))
	if err != nil {
		s.log.Error("Failed to read conversation", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, toMessages(stored))
}

func (s *Server) getUnread(c *gin.Context) {
	identity := c.GetString(identityKey)
	unread, err := s.messages.CountUnread(identity)
	if err != nil {
		s.log.Error("Failed to count unread messages", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, lo.Ternary(unread == nil, []repositories.UnreadCount{}, unread))
}

// read records that the caller has seen every message :username sent them.
// It goes through the registry so the writer is notified live when connected.
func (s *Server) read(c *gin.Context) {
	receipt := domain.ReadReceipt{Reader: c.GetString(identityKey), Writer: c.Param("username")}
	if err := receipt.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.registry.RouteReadReceipt(receipt)
	c.Status(http.StatusAccepted)
}

func (s *Server) lastSeen(c *gin.Context) {
	username := c.Param("username")
	online := s.registry.Online(username)
	var lastSeen *uint64
	if !online {
		var err error
		if lastSeen, err = s.users.GetLastSeen(username); err != nil {
			s.log.Error("Failed to read last seen", "username", username, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
	}
	c.JSON(http.StatusOK, lastSeenResponse{Username: username, Online: online, LastSeen: lastSeen})
}

func toMessages(stored []repositories.StoredMessage) []domain.Message {
	return lo.Map(stored, func(item repositories.StoredMessage, _ int) domain.Message {
		return domain.Message{
			Body:      item.Body,
			Sender:    item.Sender,
			Recipient: item.Recipient,
			Time:      item.Time,
			Read:      item.Read,
		}
	})
}
