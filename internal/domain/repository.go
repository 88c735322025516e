package domain

import "context"

// DeploymentRepository persists and retrieves deployments.
type DeploymentRepository interface {
	Create(ctx context.Context, d Deployment) error
	Get(ctx context.Context, id DeploymentID) (Deployment, error)
	List(ctx context.Context) ([]Deployment, error)
	Update(ctx context.Context, d Deployment) error
}

// AssetRecordRepository persists per-(deployment, asset) outcome records.
type AssetRecordRepository interface {
	Put(ctx context.Context, record AssetRecord) error
	Get(ctx context.Context, deploymentID DeploymentID, assetID AssetID) (AssetRecord, error)
	ListByDeployment(ctx context.Context, deploymentID DeploymentID) ([]AssetRecord, error)
}
