package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/carechat/internal/model"
)

// Client talks to a daemon's SyncService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return clientError("api."+method, err)
	}
	return fromStruct(out, resp)
}

func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	var resp SendResponse
	err := c.invoke(ctx, "Send", req, &resp)
	return resp, err
}

func (c *Client) QueueStatus(ctx context.Context) (model.QueueStatus, error) {
	var resp model.QueueStatus
	err := c.invoke(ctx, "QueueStatus", Empty{}, &resp)
	return resp, err
}

func (c *Client) Drain(ctx context.Context) (DrainResponse, error) {
	var resp DrainResponse
	err := c.invoke(ctx, "Drain", Empty{}, &resp)
	return resp, err
}

func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var resp CountResponse
	err := c.invoke(ctx, "RetryFailed", Empty{}, &resp)
	return resp.Count, err
}

func (c *Client) ClearFailed(ctx context.Context) (int, error) {
	var resp CountResponse
	err := c.invoke(ctx, "ClearFailed", Empty{}, &resp)
	return resp.Count, err
}

func (c *Client) Pending(ctx context.Context) ([]model.QueuedMessage, error) {
	var resp PendingResponse
	err := c.invoke(ctx, "Pending", Empty{}, &resp)
	return resp.Messages, err
}

func (c *Client) SetOnline(ctx context.Context, online bool) (model.QueueStatus, error) {
	var resp model.QueueStatus
	err := c.invoke(ctx, "SetOnline", OnlineRequest{Online: online}, &resp)
	return resp, err
}

func (c *Client) GetMessages(ctx context.Context, conv string, page, limit int) ([]model.Message, error) {
	var resp MessagesResponse
	err := c.invoke(ctx, "GetMessages", PageRequest{ConversationID: conv, Page: page, Limit: limit}, &resp)
	return resp.Messages, err
}

func (c *Client) GetOlder(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error) {
	var resp MessagesResponse
	err := c.invoke(ctx, "GetOlder", PageRequest{ConversationID: conv, AnchorID: anchorID, Limit: limit}, &resp)
	return resp.Messages, err
}

func (c *Client) GetNewer(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error) {
	var resp MessagesResponse
	err := c.invoke(ctx, "GetNewer", PageRequest{ConversationID: conv, AnchorID: anchorID, Limit: limit}, &resp)
	return resp.Messages, err
}

func (c *Client) Acknowledge(ctx context.Context, conv, id, reader string) (bool, error) {
	var resp AckResponse
	err := c.invoke(ctx, "Acknowledge", MessageRequest{ConversationID: conv, MessageID: id, ActorID: reader}, &resp)
	return resp.Changed, err
}

func (c *Client) MarkAllRead(ctx context.Context, conv, reader string) (int, error) {
	var resp CountResponse
	err := c.invoke(ctx, "MarkAllRead", MessageRequest{ConversationID: conv, ActorID: reader}, &resp)
	return resp.Count, err
}

func (c *Client) DeleteMessage(ctx context.Context, conv, id, actor string) error {
	return c.invoke(ctx, "DeleteMessage", MessageRequest{ConversationID: conv, MessageID: id, ActorID: actor}, &Empty{})
}

func (c *Client) ListConversations(ctx context.Context, viewerID string, limit, offset int) ([]Conversation, error) {
	var resp ConversationsResponse
	err := c.invoke(ctx, "ListConversations", ConversationsRequest{ViewerID: viewerID, Limit: limit, Offset: offset}, &resp)
	return resp.Conversations, err
}

// serverStream opens a server-streaming call and sends its only request.
func (c *Client) serverStream(ctx context.Context, idx int, req any) (grpc.ClientStream, error) {
	desc := &ServiceDesc.Streams[idx]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName))
	if err != nil {
		return nil, clientError("api."+desc.StreamName, err)
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, clientError("api."+desc.StreamName, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, clientError("api."+desc.StreamName, err)
	}
	return stream, nil
}

// recvLoop decodes stream messages into fresh T values for fn until the
// stream ends. A clean end of stream returns nil.
func recvLoop[T any](op string, stream grpc.ClientStream, fn func(*T) error) error {
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return clientError(op, err)
		}
		v := new(T)
		if err := fromStruct(out, v); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// WatchEvents calls fn for every daemon event whose kind starts with
// namespace. It returns when ctx ends or when fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*Event) error) error {
	stream, err := c.serverStream(ctx, 0, WatchRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	return recvLoop("api."+streamWatchEvents, stream, fn)
}

// Subscribe calls fn for each new or changed message of conv as seen by
// viewerID. It returns when ctx ends or when fn returns an error.
func (c *Client) Subscribe(ctx context.Context, conv, viewerID string, fn func(*model.Message) error) error {
	stream, err := c.serverStream(ctx, 1, SubscribeRequest{ConversationID: conv, ViewerID: viewerID})
	if err != nil {
		return err
	}
	return recvLoop("api."+streamSubscribe, stream, fn)
}
