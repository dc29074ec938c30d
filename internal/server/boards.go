package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/corkboard/internal/boards"
	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type titlePayload struct {
	Title string `json:"title"`
}

type createItemPayload struct {
	Title string `json:"title"`
	Index *int   `json:"index"`
}

type reorderPayload struct {
	OrderedIDs []string `json:"ordered_ids"`
}

type moveListPayload struct {
	TargetIndex *int `json:"target_index"`
}

type moveCardPayload struct {
	SourceListID string `json:"source_list_id"`
	TargetListID string `json:"target_list_id"`
	TargetIndex  *int   `json:"target_index"`
}

type reorderResponsePayload struct {
	Items      []boards.OrderedItem `json:"items"`
	Moved      []boards.OrderedItem `json:"moved"`
	Rebalanced bool                 `json:"rebalanced"`
}

func (h *httpHandler) handleCreateBoard(c *gin.Context) {
	var request titlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	board, err := h.boards.CreateBoard(c.Request.Context(), boards.CreateBoardRequest{Title: request.Title, Actor: h.actor(c)})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, board)
}

func (h *httpHandler) handleGetBoard(c *gin.Context) {
	view, err := h.boards.GetBoard(c.Request.Context(), c.Param("boardId"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleCreateList(c *gin.Context) {
	var request createItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	list, err := h.boards.CreateList(c.Request.Context(), boards.CreateListRequest{
		BoardID: c.Param("boardId"),
		Title:   request.Title,
		Index:   request.Index,
		Actor:   h.actor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, list)
}

func (h *httpHandler) handleCreateCard(c *gin.Context) {
	var request createItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	card, err := h.boards.CreateCard(c.Request.Context(), boards.CreateCardRequest{
		ListID: c.Param("listId"),
		Title:  request.Title,
		Index:  request.Index,
		Actor:  h.actor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (h *httpHandler) handleReorderLists(c *gin.Context) {
	h.reorder(c, events.ItemTypeList, c.Param("boardId"))
}

func (h *httpHandler) handleReorderCards(c *gin.Context) {
	h.reorder(c, events.ItemTypeCard, c.Param("listId"))
}

func (h *httpHandler) reorder(c *gin.Context, itemType events.ItemType, parentID string) {
	var request reorderPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.OrderedIDs == nil {
		badRequest(c)
		return
	}
	result, err := h.boards.BulkReorder(c.Request.Context(), boards.BulkReorderRequest{
		ItemType:   itemType,
		ParentID:   parentID,
		OrderedIDs: request.OrderedIDs,
		Actor:      h.actor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	moved := result.Moved
	if moved == nil {
		moved = []boards.OrderedItem{}
	}
	c.JSON(http.StatusOK, reorderResponsePayload{Items: result.Items, Moved: moved, Rebalanced: result.Rebalanced})
}

func (h *httpHandler) handleRebalanceLists(c *gin.Context) {
	h.rebalance(c, events.ItemTypeList, c.Param("boardId"))
}

func (h *httpHandler) handleRebalanceCards(c *gin.Context) {
	h.rebalance(c, events.ItemTypeCard, c.Param("listId"))
}

func (h *httpHandler) rebalance(c *gin.Context, itemType events.ItemType, parentID string) {
	items, err := h.boards.Rebalance(c.Request.Context(), boards.RebalanceRequest{
		ItemType: itemType,
		ParentID: parentID,
		Actor:    h.actor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleMoveList(c *gin.Context) {
	var request moveListPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TargetIndex == nil {
		badRequest(c)
		return
	}
	moved, err := h.boards.MoveList(c.Request.Context(), boards.MoveListRequest{
		ListID:      c.Param("listId"),
		TargetIndex: *request.TargetIndex,
		Actor:       h.actor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, moved)
}

func (h *httpHandler) handleMoveCard(c *gin.Context) {
	var request moveCardPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TargetIndex == nil {
		badRequest(c)
		return
	}
	moved, err := h.boards.MoveCard(c.Request.Context(), boards.MoveCardRequest{
		CardID:       c.Param("cardId"),
		SourceListID: request.SourceListID,
		TargetListID: request.TargetListID,
		TargetIndex:  *request.TargetIndex,
		Actor:        h.actor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, moved)
}

func (h *httpHandler) handleRenameList(c *gin.Context) {
	var request titlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	state, err := h.boards.RenameList(c.Request.Context(), c.Param("listId"), request.Title, h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleRenameCard(c *gin.Context) {
	var request titlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	state, err := h.boards.RenameCard(c.Request.Context(), c.Param("cardId"), request.Title, h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleDeleteList(c *gin.Context) {
	if err := h.boards.DeleteList(c.Request.Context(), c.Param("listId"), h.actor(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	if err := h.boards.DeleteCard(c.Request.Context(), c.Param("cardId"), h.actor(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	if h.activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity_disabled"})
		return
	}
	boardID := c.Param("boardId")
	if !h.requireReadAccess(c, boardID) {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c)
			return
		}
		limit = parsed
	}
	entries, err := h.activity.Recent(c.Request.Context(), boardID, limit)
	if err != nil {
		h.logger.Error("failed to read activity", zap.String("board_id", boardID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "activity_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"board_id": boardID, "entries": entries})
}

// requireReadAccess writes a 403 and returns false when the caller may not
// view boardID.
func (h *httpHandler) requireReadAccess(c *gin.Context, boardID string) bool {
	userID := c.GetString(userIDContextKey)
	allowed, err := h.access.CanReadBoard(c.Request.Context(), userID, boardID)
	if err != nil {
		h.logger.Error("read authorization failed", zap.String("board_id", boardID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}
