package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/datacleanup/tally/internal/accountctx"
	reservationdomain "github.com/datacleanup/tally/internal/reservation/domain"
)

func (s *Server) Reserve(c *gin.Context) {
	var req reservationdomain.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	// The hold always lands on the key's account.
	accountID, ok := accountctx.AccountIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	req.AccountID = accountID

	reservation, err := s.reservationSvc.Reserve(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

func (s *Server) ConfirmReservation(c *gin.Context) {
	id, _, ok := s.ownedReservation(c)
	if !ok {
		return
	}

	// Empty body confirms the full held amount.
	var req reservationdomain.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	confirmed, err := s.reservationSvc.Confirm(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, confirmed)
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	id, _, ok := s.ownedReservation(c)
	if !ok {
		return
	}

	released, err := s.reservationSvc.Release(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, released)
}

func (s *Server) GetReservation(c *gin.Context) {
	_, reservation, ok := s.ownedReservation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, reservation)
}

// ownedReservation loads the :id reservation and rejects keys from other
// accounts. Cross-account probes read as not-found.
func (s *Server) ownedReservation(c *gin.Context) (snowflake.ID, *reservationdomain.Reservation, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id == 0 {
		AbortWithError(c, reservationdomain.ErrReservationNotFound)
		return 0, nil, false
	}

	reservation, err := s.reservationSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return 0, nil, false
	}

	accountID, ok := accountctx.AccountIDFromContext(c.Request.Context())
	if !ok || reservation.AccountID != accountID {
		AbortWithError(c, reservationdomain.ErrReservationNotFound)
		return 0, nil, false
	}
	return id, reservation, true
}
