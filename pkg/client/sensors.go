package client

import (
	"context"

	"github.com/IpsoVeritas/aquiles"
	"github.com/pkg/errors"
)

// FindDataSources lists the service's data sources matching query.
func (p *SensorClient) FindDataSources(ctx context.Context, query aquiles.DataSourceQuery) ([]aquiles.DataSource, error) {
	if err := p.require(aquiles.CapabilitySensors); err != nil {
		return nil, err
	}

	req := aquiles.NewDataSourcesRequest(query)
	body, err := p.request(ctx, req.ID, req)
	if err != nil {
		return nil, err
	}

	res := &aquiles.DataSourcesResponse{}
	if err := aquiles.Unmarshal(body, res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal data-sources-response")
	}
	if res.Error != "" {
		return nil, errors.Errorf("find data sources: %s", res.Error)
	}

	return res.Sources, nil
}

// AddListener asks the service to stream points for registration to listener and
// returns the listener id. Listeners do not survive a suspension.
func (p *SensorClient) AddListener(ctx context.Context, registration aquiles.SensorRegistration, listener aquiles.DataPointListener) (string, error) {
	if err := p.require(aquiles.CapabilitySensors); err != nil {
		return "", err
	}
	if listener == nil {
		return "", errors.New("listener cannot be nil")
	}

	req := aquiles.NewSensorRequest(registration)
	body, err := p.request(ctx, req.ID, req)
	if err != nil {
		return "", err
	}

	res := &aquiles.SensorResponse{}
	if err := aquiles.Unmarshal(body, res); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal sensor-response")
	}
	if !res.OK {
		return "", errors.Errorf("add listener: %s", res.Error)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", errors.Wrap(aquiles.ErrNotConnected, "connection suspended")
	}
	p.listeners[res.ListenerID] = listener

	return res.ListenerID, nil
}

func (p *SensorClient) RemoveListener(ctx context.Context, listenerID string) error {
	if err := p.require(aquiles.CapabilitySensors); err != nil {
		return err
	}

	p.mu.Lock()
	_, ok := p.listeners[listenerID]
	delete(p.listeners, listenerID)
	p.mu.Unlock()
	if !ok {
		return errors.Wrapf(aquiles.ErrListenerNotFound, "%s", listenerID)
	}

	req := aquiles.NewSensorRemoveRequest(listenerID)
	body, err := p.request(ctx, req.ID, req)
	if err != nil {
		return err
	}

	res := &aquiles.SensorResponse{}
	if err := aquiles.Unmarshal(body, res); err != nil {
		return errors.Wrap(err, "failed to unmarshal sensor-response")
	}
	if !res.OK {
		return errors.Errorf("remove listener: %s", res.Error)
	}

	return nil
}

// ReadHistory returns the recorded points matching query, oldest first.
func (p *SensorClient) ReadHistory(ctx context.Context, query aquiles.HistoryQuery) ([]aquiles.DataPoint, error) {
	if err := p.require(aquiles.CapabilityHistory); err != nil {
		return nil, err
	}

	req := aquiles.NewHistoryRequest(query)
	body, err := p.request(ctx, req.ID, req)
	if err != nil {
		return nil, err
	}

	res := &aquiles.HistoryResponse{}
	if err := aquiles.Unmarshal(body, res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal history-response")
	}
	if res.Error != "" {
		return nil, errors.Errorf("read history: %s", res.Error)
	}

	return res.Points, nil
}
