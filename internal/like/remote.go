package like

import (
	"context"

	"github.com/koopa0/system-design/14-like-counter/internal/client"
)

var _ Remote = (*client.DocumentRef)(nil)

// ClientConnector 以 client.Connector 延遲連線並取得指定文件
func ClientConnector(connector *client.Connector, path string) Connector {
	return ConnectorFunc(func(ctx context.Context) (Remote, error) {
		conn, err := connector.Connect(ctx)
		if err != nil {
			return nil, err
		}
		ref, err := conn.Document(path)
		if err != nil {
			return nil, err
		}
		return ref, nil
	})
}
