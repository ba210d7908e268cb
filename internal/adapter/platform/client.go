package platform

/*
				Streamgate Platform - upstream client
	One Client is one authenticated identity against the upstream store. It
	keeps a control channel to its home DC for metadata calls and delegates
	file transfer to per-DC media sessions managed by the SessionPool.
*/

import (
	"context"
	"fmt"

	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/core/ports"
	"github.com/streamgate/streamgate/internal/logger"
)

// Location addresses one file on an upstream DC for GetFile calls. The
// populated fields depend on the file type.
type Location struct {
	Type           string `json:"type"`
	MediaID        int64  `json:"media_id,omitempty"`
	AccessHash     int64  `json:"access_hash,omitempty"`
	FileReference  []byte `json:"file_reference,omitempty"`
	ThumbSize      string `json:"thumb_size,omitempty"`
	VolumeID       int64  `json:"volume_id,omitempty"`
	LocalID        int32  `json:"local_id,omitempty"`
	ChatID         int64  `json:"chat_id,omitempty"`
	ChatAccessHash int64  `json:"chat_access_hash,omitempty"`
	Big            bool   `json:"big,omitempty"`
}

// Client is one upstream identity with its control channel.
type Client struct {
	ID       int
	Username string
	HomeDC   int

	conn   ports.Conn
	dialer ports.Dialer
	logger *logger.StyledLogger
}

// Connect dials the client's home control channel and resolves its
// identity.
func Connect(ctx context.Context, id int, homeDC int, dialer ports.Dialer, lgr *logger.StyledLogger) (*Client, error) {
	conn, err := dialer.Dial(ctx, homeDC, false)
	if err != nil {
		return nil, fmt.Errorf("client %d: connect home DC %d: %w", id, homeDC, err)
	}

	c := &Client{
		ID:     id,
		HomeDC: homeDC,
		conn:   conn,
		dialer: dialer,
		logger: lgr,
	}

	var me struct {
		Username string `json:"username"`
		DCID     int    `json:"dc_id"`
	}
	if err := conn.Invoke(ctx, "account.me", nil, &me); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client %d: resolve identity: %w", id, err)
	}
	c.Username = me.Username
	if me.DCID != 0 {
		c.HomeDC = me.DCID
	}

	lgr.InfoWithClient("connected", id, "username", c.Username, "home_dc", c.HomeDC)
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ExportAuthorization mints an auth token on the home DC for import on
// targetDC.
func (c *Client) ExportAuthorization(ctx context.Context, targetDC int) (ports.ExportedAuth, error) {
	args := struct {
		DCID int `json:"dc_id"`
	}{DCID: targetDC}

	var reply struct {
		ID    int64  `json:"id"`
		Bytes []byte `json:"bytes"`
	}
	if err := c.conn.Invoke(ctx, "auth.exportAuthorization", args, &reply); err != nil {
		return ports.ExportedAuth{}, err
	}
	return ports.ExportedAuth{ID: reply.ID, Bytes: reply.Bytes}, nil
}

// ImportAuthorization presents an exported token on a foreign DC session.
func (c *Client) ImportAuthorization(ctx context.Context, conn ports.Conn, auth ports.ExportedAuth) error {
	args := struct {
		ID    int64  `json:"id"`
		Bytes []byte `json:"bytes"`
	}{ID: auth.ID, Bytes: auth.Bytes}

	return conn.Invoke(ctx, "auth.importAuthorization", args, nil)
}

// GetFile fetches one aligned chunk through the given media session.
func (c *Client) GetFile(ctx context.Context, conn ports.Conn, location Location, offset int64, limit int64) ([]byte, error) {
	args := struct {
		Location Location `json:"location"`
		Offset   int64    `json:"offset"`
		Limit    int64    `json:"limit"`
	}{Location: location, Offset: offset, Limit: limit}

	var reply struct {
		Bytes []byte `json:"bytes"`
	}
	if err := conn.Invoke(ctx, "upload.getFile", args, &reply); err != nil {
		return nil, err
	}
	return reply.Bytes, nil
}

// GetMessages loads messages from a channel by id.
func (c *Client) GetMessages(ctx context.Context, chatID int64, messageIDs []int64) ([]domain.Message, error) {
	args := struct {
		ChatID     int64   `json:"chat_id"`
		MessageIDs []int64 `json:"message_ids"`
	}{ChatID: chatID, MessageIDs: messageIDs}

	var reply struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.conn.Invoke(ctx, "messages.getMessages", args, &reply); err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

// SendCachedMedia reposts an already uploaded file into chatID and returns
// the new message, whose handle is valid for this client.
func (c *Client) SendCachedMedia(ctx context.Context, chatID int64, fileHandle string) (domain.Message, error) {
	args := struct {
		ChatID     int64  `json:"chat_id"`
		FileHandle string `json:"file_handle"`
	}{ChatID: chatID, FileHandle: fileHandle}

	var reply struct {
		Message domain.Message `json:"message"`
	}
	if err := c.conn.Invoke(ctx, "messages.sendCachedMedia", args, &reply); err != nil {
		return domain.Message{}, err
	}
	return reply.Message, nil
}

// StreamMedia pulls a small media blob in one call. Only thumbnails use
// this path; real file bodies go through GetFile on a media session.
func (c *Client) StreamMedia(ctx context.Context, fileHandle string) ([]byte, error) {
	args := struct {
		FileHandle string `json:"file_handle"`
	}{FileHandle: fileHandle}

	var reply struct {
		Bytes []byte `json:"bytes"`
	}
	if err := c.conn.Invoke(ctx, "messages.streamMedia", args, &reply); err != nil {
		return nil, err
	}
	return reply.Bytes, nil
}

// LocationFor builds the GetFile address for a decoded file handle.
func LocationFor(ref *domain.FileRef) Location {
	switch ref.FileType {
	case domain.FileTypeChatPhoto:
		return Location{
			Type:           "chat_photo",
			ChatID:         ref.ChatID,
			ChatAccessHash: ref.ChatAccessHash,
			VolumeID:       ref.VolumeID,
			LocalID:        ref.LocalID,
			Big:            ref.Big,
		}
	case domain.FileTypePhoto:
		return Location{
			Type:          "photo",
			MediaID:       ref.MediaID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
			ThumbSize:     ref.ThumbSize,
		}
	default:
		return Location{
			Type:          "document",
			MediaID:       ref.MediaID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
			ThumbSize:     ref.ThumbSize,
		}
	}
}
